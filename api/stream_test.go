package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"pipeline-board/domain"
)

type sseFrame struct {
	event string
	id    string
	data  string
}

// readFrame skips heartbeat comments and returns the next event frame.
func readFrame(t *testing.T, r *bufio.Reader) sseFrame {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, ctx context.Context, query string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?"+query, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	return resp, bufio.NewReader(resp.Body)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamSendsSnapshotThenEvents(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.e)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, r := openStream(t, srv, ctx, "access_token=viewer&session=s-1")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	first := readFrame(t, r)
	if first.event != "snapshot" || first.id != a.engine.Epoch()+":0" {
		t.Fatalf("unexpected first frame %+v", first)
	}
	var snap domain.Snapshot
	if err := sonic.UnmarshalString(first.data, &snap); err != nil || len(snap.Stages) != 2 {
		t.Fatalf("snapshot frame %q: %v", first.data, err)
	}

	if _, err := a.engine.Move(context.Background(), domain.MoveIntent{ActorID: "ana", ItemID: "y", TargetStageID: "B"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	next := readFrame(t, r)
	if next.event != string(domain.ItemMoved) || next.id != a.engine.Epoch()+":1" {
		t.Fatalf("unexpected event frame %+v", next)
	}
	var ev domain.Event
	if err := sonic.UnmarshalString(next.data, &ev); err != nil || ev.Move.ItemID != "y" {
		t.Fatalf("event frame %q: %v", next.data, err)
	}

	infos := a.hub.Sessions()
	if len(infos) != 1 || infos[0].ID != "s-1" || infos[0].ActorID != "vic" {
		t.Fatalf("unexpected sessions %+v", infos)
	}

	cancel()
	waitFor(t, func() bool { return a.hub.Len() == 0 })
}

func TestStreamRejectsDuplicateSession(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.e)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, r := openStream(t, srv, ctx, "access_token=viewer&session=dup")
	defer resp.Body.Close()
	readFrame(t, r)

	again, _ := openStream(t, srv, ctx, "access_token=viewer&session=dup")
	defer again.Body.Close()
	if again.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for duplicate session, got %d", again.StatusCode)
	}
}

func TestStreamSignalsResyncWhenDropped(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.e)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, r := openStream(t, srv, ctx, "access_token=editor")
	defer resp.Body.Close()
	readFrame(t, r)

	a.hub.Close()
	frame := readFrame(t, r)
	if frame.event != "resync" {
		t.Fatalf("expected resync frame, got %+v", frame)
	}
}

func TestStreamHeartbeat(t *testing.T) {
	a := newTestAPI(t, false)
	srv := httptest.NewServer(a.e)
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, r := openStream(t, srv, ctx, "access_token=viewer")
	defer resp.Body.Close()
	readFrame(t, r)

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != ": ping\n" {
		t.Fatalf("expected heartbeat comment, got %q", line)
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	a := newTestAPI(t, false)
	rec := a.do(t, http.MethodGet, "/api/stream", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}
