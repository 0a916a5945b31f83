// realtalkctl - command-line remote for a running realtalk process
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/go-realtalk/internal/httpc"
	"github.com/teslashibe/go-realtalk/pkg/history"
	"github.com/teslashibe/go-realtalk/pkg/turn"
	"github.com/teslashibe/go-realtalk/pkg/web"
)

const usage = `usage: realtalkctl [-addr host:port] <command>

commands:
  talk              tap the talk button (start or cancel listening)
  state             print state, active conversation and transcript
  list              list recent conversations
  new               start a new conversation
  select ID         switch to a stored conversation
  delete [ID]       delete a conversation (default: the active one)
  watch             stream live events
`

func main() {
	addr := flag.String("addr", "127.0.0.1:8790", "realtalk control API address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &remote{
		base:   "http://" + *addr,
		ws:     "ws://" + *addr,
		client: httpc.NewClient(*timeout),
		out:    os.Stdout,
	}
	if err := r.dispatch(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "realtalkctl: %v\n", err)
		os.Exit(1)
	}
}

type remote struct {
	base   string
	ws     string
	client *http.Client
	out    io.Writer
}

func (r *remote) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "talk":
		return r.call(ctx, http.MethodPost, "/api/talk", nil)
	case "state":
		var snap turn.Snapshot
		if err := r.call(ctx, http.MethodGet, "/api/state", &snap); err != nil {
			return err
		}
		r.printSnapshot(snap)
		return nil
	case "list":
		var list []history.Summary
		if err := r.call(ctx, http.MethodGet, "/api/conversations", &list); err != nil {
			return err
		}
		for _, s := range list {
			fmt.Fprintf(r.out, "%d\t%s\t%s\n", s.ConversationID, s.LastTurn.CreatedAt.Local().Format(time.DateTime), preview(s.LastTurn.Text))
		}
		return nil
	case "new":
		var resp web.ConversationResponse
		if err := r.call(ctx, http.MethodPost, "/api/conversations", &resp); err != nil {
			return err
		}
		fmt.Fprintln(r.out, resp.ConversationID)
		return nil
	case "select":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return r.call(ctx, http.MethodPost, "/api/conversations/"+id+"/select", nil)
	case "delete":
		if len(args) < 2 || args[1] == "active" {
			return r.call(ctx, http.MethodDelete, "/api/conversations/active", nil)
		}
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return r.call(ctx, http.MethodDelete, "/api/conversations/"+id, nil)
	case "watch":
		return r.watch(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func parseID(args []string) (string, error) {
	if len(args) < 2 {
		return "", errors.New("conversation id required")
	}
	if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
		return "", fmt.Errorf("invalid conversation id %q", args[1])
	}
	return url.PathEscape(args[1]), nil
}

// call performs one API request, turning error payloads into errors.
func (r *remote) call(ctx context.Context, method, path string, out any) error {
	err := httpc.SendJSON(ctx, r.client, method, r.base+path, nil, out)
	var se *httpc.StatusError
	if errors.As(err, &se) {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal([]byte(se.Body), &payload) == nil && payload.Error != "" {
			return fmt.Errorf("%s (%d)", payload.Error, se.StatusCode)
		}
	}
	return err
}

// watch prints events until the stream ends or ctx is cancelled.
func (r *remote) watch(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.ws+"/ws/events", nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		r.printEvent(data)
	}
}

func (r *remote) printEvent(data []byte) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		fmt.Fprintf(r.out, "? %s\n", data)
		return
	}

	if head.Kind == web.KindSnapshot {
		var msg web.SnapshotMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			r.printSnapshot(msg.Snapshot)
		}
		return
	}

	var ev turn.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		fmt.Fprintf(r.out, "? %s\n", data)
		return
	}
	switch ev.Kind {
	case turn.EventState:
		if ev.State != nil {
			fmt.Fprintf(r.out, "[state] %s\n", ev.State)
		}
	case turn.EventTurn:
		if ev.Turn != nil {
			printTurn(r.out, *ev.Turn)
		}
	case turn.EventTranscript:
		fmt.Fprintf(r.out, "[transcript] %d turns\n", len(ev.Transcript))
		for _, t := range ev.Transcript {
			printTurn(r.out, t)
		}
	case turn.EventConversation:
		fmt.Fprintf(r.out, "[conversation] %d\n", ev.ConversationID)
	case turn.EventNotice:
		fmt.Fprintf(r.out, "[notice] %s\n", ev.Notice)
	case turn.EventHistory:
		fmt.Fprintln(r.out, "[history] updated")
	default:
		fmt.Fprintf(r.out, "[%s] %s\n", ev.Kind, data)
	}
}

func (r *remote) printSnapshot(s turn.Snapshot) {
	fmt.Fprintf(r.out, "state: %s\nconversation: %d\n", s.State, s.ConversationID)
	for _, t := range s.Transcript {
		printTurn(r.out, t)
	}
}

func printTurn(w io.Writer, t history.Turn) {
	who := "you"
	if t.Sender == history.SenderAssistant {
		who = "assistant"
	}
	fmt.Fprintf(w, "%9s: %s\n", who, t.Text)
}

func preview(s string) string {
	const limit = 60
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
