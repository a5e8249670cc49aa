// Package main connects to the realtime gateway as one user and prints the
// session updates it receives.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrolink/internal/messaging"
	"agrolink/internal/server"

	"github.com/gorilla/websocket"
)

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	token := flag.String("token", "", "Bearer token (see cmd/seed output)")
	hidden := flag.Bool("hidden", false, "Report the client as not visible after connecting")
	to := flag.Uint("to", 0, "Send a text message to this user id after connecting")
	text := flag.String("text", "hello from chatprobe", "Message content used with -to")
	duration := flag.Duration("duration", 0, "Disconnect after this long (0 waits for a signal)")
	flag.Parse()

	if *token == "" {
		log.Fatal("-token is required")
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws", RawQuery: "token=" + url.QueryEscape(*token)}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial %s: %v (status %d)", u.Host, err, resp.StatusCode)
		}
		log.Fatalf("dial %s: %v", u.Host, err)
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = c.Close() }()
	log.Printf("connected to %s", u.Host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("read: %v", err)
				}
				return
			}
			printUpdate(data)
		}
	}()

	if *hidden {
		visible := false
		cmd, _ := json.Marshal(server.Command{Type: "visibility", Visible: &visible})
		if err := c.WriteMessage(websocket.TextMessage, cmd); err != nil {
			log.Printf("send visibility: %v", err)
		}
	}

	if *to != 0 {
		if err := sendMessage(*host, *token, uint(*to), *text); err != nil {
			log.Printf("send message: %v", err)
		}
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	select {
	case <-done:
		return
	case <-interrupt:
	case <-timeout:
	}

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

func printUpdate(data []byte) {
	var upd messaging.Update
	if err := json.Unmarshal(data, &upd); err != nil {
		log.Printf("raw: %s", data)
		return
	}
	switch upd.Kind {
	case messaging.UpdateMessage:
		if m := upd.Message; m != nil {
			state := "sent"
			if m.ReadAt != nil {
				state = "read"
			}
			log.Printf("message conv=%d from=%d %s: %q", m.ConversationID, m.SenderID, state, m.Content)
			return
		}
	case messaging.UpdateConversation:
		if conv := upd.Conversation; conv != nil {
			log.Printf("conversation %d unread=%d", conv.ID, conv.UnreadCount)
			return
		}
	case messaging.UpdatePresence:
		if p := upd.Presence; p != nil {
			log.Printf("presence user=%d %s", p.UserID, p.Status)
			return
		}
	}
	log.Printf("%s %s", upd.Kind, data)
}

// sendMessage opens (or reuses) the direct conversation with receiverID and
// sends one text message into it.
func sendMessage(host, token string, receiverID uint, content string) error {
	var conv struct {
		ID uint `json:"id"`
	}
	if err := call(host, token, http.MethodPost, "/api/conversations",
		map[string]any{"participant_ids": []uint{receiverID}}, http.StatusCreated, &conv); err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if err := call(host, token, http.MethodPut, "/api/conversations/current",
		map[string]any{"conversation_id": conv.ID}, http.StatusOK, nil); err != nil {
		return fmt.Errorf("select conversation: %w", err)
	}
	in := messaging.SendInput{ReceiverID: receiverID, Content: content, Type: "text"}
	return call(host, token, http.MethodPost, "/api/messages", in, http.StatusCreated, nil)
}

func call(host, token, method, path string, payload any, want int, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", host, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != want {
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
