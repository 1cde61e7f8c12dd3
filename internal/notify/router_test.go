package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"fleetwatch/pkg/models"
)

type fakeSink struct {
	name  string
	err   error
	calls int
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Send(context.Context, *models.Alert) error {
	s.calls++
	return s.err
}

func alertWithSeverity(severity models.Severity) *models.Alert {
	return &models.Alert{
		ID:          "a1",
		ServiceName: "api",
		AlertType:   "cpu_high",
		Severity:    severity,
		Status:      models.AlertActive,
		Title:       "CPU usage high",
		CreatedAt:   time.Now(),
	}
}

func TestDispatchSeverityGating(t *testing.T) {
	always := &fakeSink{name: "slack"}
	pager := &fakeSink{name: "pager"}
	router := NewRouter([]Sink{always}, []Sink{pager})

	router.Dispatch(context.Background(), alertWithSeverity(models.SeverityHigh))
	if always.calls != 1 || pager.calls != 0 {
		t.Fatalf("HIGH alert: slack=%d pager=%d, want 1/0", always.calls, pager.calls)
	}

	router.Dispatch(context.Background(), alertWithSeverity(models.SeverityCritical))
	if always.calls != 2 || pager.calls != 1 {
		t.Fatalf("CRITICAL alert: slack=%d pager=%d, want 2/1", always.calls, pager.calls)
	}
}

func TestDispatchPartialFailure(t *testing.T) {
	failing := &fakeSink{name: "slack", err: errors.New("webhook 502")}
	working := &fakeSink{name: "pager"}
	router := NewRouter([]Sink{failing}, []Sink{working})

	results := router.Dispatch(context.Background(), alertWithSeverity(models.SeverityCritical))

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if failing.calls != 1 || working.calls != 1 {
		t.Fatalf("both channels must be attempted, got slack=%d pager=%d", failing.calls, working.calls)
	}

	var delivered, failed int
	for _, res := range results {
		if res.Delivered {
			delivered++
		} else {
			failed++
			if res.Error == "" {
				t.Fatalf("failed result missing error detail: %+v", res)
			}
		}
	}
	if delivered != 1 || failed != 1 {
		t.Fatalf("expected one success and one failure, got %d/%d", delivered, failed)
	}
}

func TestSendTestBypassesGating(t *testing.T) {
	pager := &fakeSink{name: "pager"}
	router := NewRouter(nil, []Sink{pager})

	if err := router.SendTest(context.Background(), "pager"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pager.calls != 1 {
		t.Fatalf("pager calls = %d, want 1", pager.calls)
	}
}

func TestSendTestUnknownChannel(t *testing.T) {
	router := NewRouter([]Sink{&fakeSink{name: "slack"}}, nil)

	err := router.SendTest(context.Background(), "carrier-pigeon")
	var verr *models.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestSlackSinkPayload(t *testing.T) {
	var captured string
	sink := NewSlackSink("https://hooks.slack.test/T000/B000")
	sink.HTTP = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		captured = string(body)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok"))}, nil
	})}

	if err := sink.Send(context.Background(), alertWithSeverity(models.SeverityCritical)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(captured, "CPU usage high") || !strings.Contains(captured, "CRITICAL") {
		t.Fatalf("payload missing alert fields: %s", captured)
	}
}

func TestWebhookSinkRejectsErrorStatus(t *testing.T) {
	sink := NewWebhookSink("https://ops.example.test/hook")
	sink.HTTP = &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("bad gateway"))}, nil
	})}

	if err := sink.Send(context.Background(), alertWithSeverity(models.SeverityHigh)); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
