// ABOUTME: Minimal fake agent for E2E testing; connects over WebSocket and answers meeting prompts.
// ABOUTME: Usage: fake-agent [-addr localhost:8385] [-project demo] [-agent echo-1]

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-mesh/internal/mesh"
	"github.com/2389/coven-mesh/internal/session"
	"github.com/2389/coven-mesh/internal/store"
	"github.com/2389/coven-mesh/internal/transport"
)

func main() {
	addr := flag.String("addr", "localhost:8385", "coven-mesh server address")
	project := flag.String("project", "demo", "project id")
	agent := flag.String("agent", "echo-agent", "agent identity")
	opinion := flag.String("opinion", "looks good to me", "opinion to give in meetings")
	disagree := flag.Bool("disagree", false, "vote disagree instead of agree")
	flag.Parse()

	if err := run(*addr, *project, *agent, *opinion, !*disagree); err != nil {
		log.Fatal(err)
	}
}

func run(addr, project, agent, opinion string, agree bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	sessionID, err := connect(ctx, addr, project, agent)
	if err != nil {
		return err
	}
	color.Green("connected as %s (session %s)", agent, sessionID)

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: "session_id=" + sessionID}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	ch := transport.NewWSChannel(conn, nil)
	defer ch.Close()

	ch.OnReceive(func(ev *transport.Event) {
		if ev.Type != transport.EventMessage {
			return
		}
		var msg store.Message
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			color.Red("malformed message frame: %v", err)
			return
		}
		handleMessage(ctx, ch, &msg, opinion, agree)
	})

	// Keep the session alive alongside the socket's own ping/pong.
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			color.Yellow("disconnecting")
			return nil
		case <-ch.Done():
			return fmt.Errorf("connection lost")
		case <-ticker.C:
			if err := ch.Deliver(ctx, &transport.Event{Type: transport.EventHeartbeat}); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

// connect opens a session declaring chat support and meeting participation.
func connect(ctx context.Context, addr, project, agent string) (string, error) {
	req := mesh.ConnectRequest{
		ProjectID:     project,
		AgentIdentity: agent,
		Capabilities: session.Capabilities{
			SupportedProtocols: map[string][]string{"chat": {"1.0.0"}},
			SupportedFeatures:  []string{"broadcast", "meetings"},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s/api/v1/sessions", addr), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("connecting: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("connect failed: status %d", resp.StatusCode)
	}

	var res mesh.ConnectResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decoding connect response: %w", err)
	}
	return res.SessionID, nil
}

// handleMessage prints inbound messages and answers meeting prompts.
func handleMessage(ctx context.Context, ch transport.Channel, msg *store.Message, opinion string, agree bool) {
	var prompt struct {
		Event     string `json:"event"`
		MeetingID string `json:"meeting_id"`
		Topic     string `json:"topic"`
		Round     int    `json:"round"`
	}
	if err := json.Unmarshal(msg.Payload, &prompt); err != nil || prompt.Event == "" {
		cyan := color.New(color.FgCyan)
		cyan.Printf("[%s] ", msg.Sender)
		fmt.Printf("%s %s\n", msg.ProtocolName, string(msg.Payload))
		return
	}

	switch prompt.Event {
	case "opinion_request":
		color.Magenta("meeting %s round %d: asked for an opinion on %q", prompt.MeetingID, prompt.Round, prompt.Topic)
		payload, _ := json.Marshal(map[string]any{
			"meeting_id": prompt.MeetingID,
			"content":    opinion,
		})
		if err := ch.Deliver(ctx, &transport.Event{Type: transport.EventOpinionReply, Payload: payload}); err != nil {
			color.Red("sending opinion: %v", err)
		}

	case "vote_request":
		verdict := "agree"
		if !agree {
			verdict = "disagree"
		}
		color.Magenta("meeting %s round %d: voting %s", prompt.MeetingID, prompt.Round, verdict)
		payload, _ := json.Marshal(map[string]any{
			"meeting_id": prompt.MeetingID,
			"agrees":     agree,
		})
		if err := ch.Deliver(ctx, &transport.Event{Type: transport.EventVoteReply, Payload: payload}); err != nil {
			color.Red("sending vote: %v", err)
		}
	}
}
