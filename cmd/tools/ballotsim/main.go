package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

type event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type tally struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

type client struct {
	base string
	http *http.Client
}

func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] .env not loaded, using process environment: %v", err)
	}

	defaultServer := os.Getenv("BALLOT_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	server := flag.String("server", defaultServer, "ballot server base URL")
	members := flag.Int("members", 10, "roster size")
	turnout := flag.Float64("turnout", 0.8, "fraction of members who vote")
	duration := flag.Int("duration", 1, "window duration in minutes")
	concurrency := flag.Int("concurrency", 8, "simultaneous voters")
	wait := flag.Bool("wait", false, "wait for the window timer instead of closing manually")
	timeout := flag.Duration("timeout", 3*time.Minute, "overall timeout")
	flag.Parse()

	if *members < 1 {
		log.Fatal("-members must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{base: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 10 * time.Second}}

	ended, err := watchOrganizer(ctx, c.base)
	if err != nil {
		log.Fatalf("organizer websocket failed: %v", err)
	}

	roster := make([]map[string]string, 0, *members)
	for i := 1; i <= *members; i++ {
		roster = append(roster, map[string]string{"name": fmt.Sprintf("member-%02d", i)})
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "/api/sessions", map[string]any{
		"title":   "Simulated meeting",
		"members": roster,
	}, &created); err != nil {
		log.Fatalf("create session failed: %v", err)
	}
	log.Printf("session created: %s", created.SessionID)

	var opened struct {
		WindowID string `json:"windowId"`
		Tokens   []struct {
			Member     string `json:"member"`
			Credential string `json:"credential"`
		} `json:"tokens"`
	}
	if err := c.post(ctx, "/api/sessions/"+created.SessionID+"/windows", map[string]any{
		"presenter":       "ballotsim",
		"topicTitle":      "Simulated motion",
		"durationMinutes": *duration,
	}, &opened); err != nil {
		log.Fatalf("open window failed: %v", err)
	}
	log.Printf("window %s opened with %d credentials", opened.WindowID, len(opened.Tokens))

	choices := []string{"for", "against", "abstain"}
	expected := tally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)
	for _, tok := range opened.Tokens {
		if rand.Float64() >= *turnout {
			continue
		}
		choice := choices[rand.IntN(len(choices))]
		switch choice {
		case "for":
			expected.For++
		case "against":
			expected.Against++
		default:
			expected.Abstain++
		}
		g.Go(func() error {
			if err := c.post(gctx, "/api/votes", map[string]string{
				"credential": tok.Credential,
				"choice":     choice,
			}, nil); err != nil {
				return fmt.Errorf("%s: %w", tok.Member, err)
			}
			// a replay must be rejected
			if err := c.post(gctx, "/api/votes", map[string]string{
				"credential": tok.Credential,
				"choice":     choice,
			}, nil); err == nil {
				return fmt.Errorf("%s: replayed credential was accepted", tok.Member)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("voting failed: %v", err)
	}
	expected.Abstain += len(opened.Tokens) - (expected.For + expected.Against + expected.Abstain)

	if !*wait {
		if err := c.post(ctx, "/api/sessions/"+created.SessionID+"/windows/close", nil, nil); err != nil {
			log.Fatalf("close window failed: %v", err)
		}
	} else {
		log.Printf("waiting for the window timer (%d min)", *duration)
	}

	for {
		select {
		case evt := <-ended:
			results, ok := resultsFor(evt, created.SessionID)
			if !ok {
				// another session on the same server
				continue
			}
			log.Printf("results: for=%d against=%d abstain=%d", results.For, results.Against, results.Abstain)
			if results != expected {
				log.Fatalf("tally mismatch: expected %+v", expected)
			}
			log.Printf("tally matches submitted votes")
			return
		case <-ctx.Done():
			log.Fatalf("no voting_ended event: %v", ctx.Err())
		}
	}
}

// resultsFor extracts the final tally from a voting_ended event of sessionID.
func resultsFor(evt event, sessionID string) (tally, bool) {
	if evt.Type != "voting_ended" || evt.SessionID != sessionID {
		return tally{}, false
	}
	var payload struct {
		Results tally `json:"results"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		return tally{}, false
	}
	return payload.Results, true
}

// watchOrganizer subscribes to organizer events and forwards every
// voting_ended event. The organizer group spans all sessions.
func watchOrganizer(ctx context.Context, base string) (<-chan event, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/organizer"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	ended := make(chan event, 4)
	go func() {
		defer conn.Close()
		for {
			var evt event
			if err := conn.ReadJSON(&evt); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[organizer] read error: %v", err)
				}
				return
			}
			log.Printf("[organizer] %s %s", evt.Type, string(evt.Data))
			if evt.Type == "voting_ended" {
				select {
				case ended <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return ended, nil
}
