package domain

import (
	"testing"
	"time"
)

func TestAgentJobTerminal(t *testing.T) {
	terminal := []string{JobStatusSuccess, JobStatusFailure, JobStatusDeliveryFailure}
	for _, status := range terminal {
		if !(AgentJob{Status: status}).Terminal() {
			t.Fatalf("%q must be terminal", status)
		}
	}
	open := []string{JobStatusUndelivered, JobStatusPending, JobStatusRunning, ""}
	for _, status := range open {
		if (AgentJob{Status: status}).Terminal() {
			t.Fatalf("%q must not be terminal", status)
		}
	}
}

func TestSiteActionTerminal(t *testing.T) {
	terminal := []string{ActionStatusSuccess, ActionStatusFailure, ActionStatusCancelled}
	for _, status := range terminal {
		if !(SiteAction{Status: status}).Terminal() {
			t.Fatalf("%q must be terminal", status)
		}
	}
	open := []string{ActionStatusScheduled, ActionStatusRunning}
	for _, status := range open {
		if (SiteAction{Status: status}).Terminal() {
			t.Fatalf("%q must not be terminal", status)
		}
	}
}

func TestBuildTerminal(t *testing.T) {
	if !(Build{Status: BuildStatusSuccess}).Terminal() || !(Build{Status: BuildStatusFailure}).Terminal() {
		t.Fatal("finished builds are terminal")
	}
	for _, status := range []string{BuildStatusScheduled, BuildStatusPreparing, BuildStatusRunning} {
		if (Build{Status: status}).Terminal() {
			t.Fatalf("%q must not be terminal", status)
		}
	}
}

func TestTerminalSuccessAndFailure(t *testing.T) {
	if !TerminalSuccess(UpdateStatusSuccess) {
		t.Fatal("Success is the terminal success state")
	}
	for _, status := range []string{UpdateStatusFailure, UpdateStatusFatal, UpdateStatusRecovered} {
		if TerminalSuccess(status) {
			t.Fatalf("%q is not a success", status)
		}
		if !TerminalFailure(status) {
			t.Fatalf("%q must count as failure", status)
		}
	}
	for _, status := range []string{UpdateStatusScheduled, UpdateStatusPending, UpdateStatusRunning, UpdateStatusRecovering} {
		if TerminalSuccess(status) || TerminalFailure(status) {
			t.Fatalf("%q is still in flight", status)
		}
	}
}

func TestServerReachable(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	window := 10 * time.Minute

	if (Server{}).Reachable(now, window) {
		t.Fatal("a server never contacted is unreachable")
	}
	recent := now.Add(-5 * time.Minute)
	if !(Server{LastContactAt: &recent}).Reachable(now, window) {
		t.Fatal("contact inside the window counts")
	}
	edge := now.Add(-window)
	if !(Server{LastContactAt: &edge}).Reachable(now, window) {
		t.Fatal("the window boundary is inclusive")
	}
	stale := now.Add(-window - time.Second)
	if (Server{LastContactAt: &stale}).Reachable(now, window) {
		t.Fatal("contact past the window does not count")
	}
}

func TestAppReleaseValid(t *testing.T) {
	if !(AppRelease{Hash: "cafe", Status: ReleaseStatusApproved}).Valid() {
		t.Fatal("approved release with a hash is valid")
	}
	if (AppRelease{Status: ReleaseStatusApproved}).Valid() {
		t.Fatal("a release without a hash is unusable")
	}
	if (AppRelease{Hash: "cafe", Status: ReleaseStatusYanked}).Valid() {
		t.Fatal("yanked releases are excluded")
	}
	if (AppRelease{Hash: "cafe", Status: ReleaseStatusRejected}).Valid() {
		t.Fatal("rejected releases are excluded")
	}
}

func TestOutboundWebhookSubscribed(t *testing.T) {
	hook := OutboundWebhook{Events: []string{EventSiteStatusUpdate, EventDeployCompletion}}
	if !hook.Subscribed(EventSiteStatusUpdate) {
		t.Fatal("listed event must match")
	}
	if hook.Subscribed("Unknown Event") {
		t.Fatal("unlisted event must not match")
	}
	if (OutboundWebhook{}).Subscribed(EventSiteStatusUpdate) {
		t.Fatal("no subscriptions means no match")
	}
}
