package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	api := envOrDefault("API_BASE", "http://localhost:8080")
	wsBase := envOrDefault("WS_BASE", "ws://localhost:8080")

	fmt.Println("Registering identities...")
	rider, err := register(api, "rider")
	if err != nil {
		log.Fatalf("register rider failed: %v", err)
	}
	driver, err := register(api, "driver")
	if err != nil {
		log.Fatalf("register driver failed: %v", err)
	}

	fmt.Println("Sending driver location...")
	if err := postJSON(fmt.Sprintf("%s/api/drivers/%s/location", api, driver.ID), driver.Token, map[string]any{
		"latitude":    40.758,
		"longitude":   -73.9855,
		"vehicleType": "standard",
	}); err != nil {
		log.Fatalf("driver location failed: %v", err)
	}

	fmt.Println("Requesting dispatch...")
	dispatchID, err := createDispatch(api, rider.Token, map[string]any{
		"pickupLat":      40.758,
		"pickupLong":     -73.9855,
		"destLat":        40.748,
		"destLong":       -73.985,
		"idempotencyKey": fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("create dispatch failed: %v", err)
	}
	fmt.Printf("Dispatch ID: %s\n", dispatchID)

	events := make(chan map[string]any, 5)
	go subscribeWS(wsBase, dispatchID, rider.Token, events)

	waitForEvent(events, "dispatch.offer", 8*time.Second)

	fmt.Println("Acking offer as driver...")
	if err := postJSON(fmt.Sprintf("%s/dispatch/%s/ack", api, dispatchID), driver.Token, map[string]any{
		"driverId": driver.ID,
	}); err != nil {
		log.Fatalf("ack failed: %v", err)
	}

	waitForEvent(events, "dispatch.assigned", 8*time.Second)
	fmt.Println("Smoke test complete.")
}

type identity struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Role  string `json:"role"`
}

func register(api, role string) (identity, error) {
	body, _ := json.Marshal(map[string]string{"role": role})
	resp, err := http.Post(api+"/api/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return identity{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return identity{}, fmt.Errorf("status %s", resp.Status)
	}
	var ident identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return identity{}, err
	}
	return ident, nil
}

func createDispatch(api, token string, payload map[string]any) (string, error) {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", api+"/dispatch", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("dispatch id missing")
	}
	return res.ID, nil
}

func postJSON(url, token string, payload map[string]any) error {
	body, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", url, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func subscribeWS(base, dispatchID, token string, sink chan<- map[string]any) {
	u := fmt.Sprintf("%s/ws/dispatch/%s", base, dispatchID)
	parsed, _ := url.Parse(u)
	q := parsed.Query()
	if token != "" {
		q.Set("token", token)
	}
	parsed.RawQuery = q.Encode()

	c, _, err := websocket.DefaultDialer.Dial(parsed.String(), nil)
	if err != nil {
		log.Printf("ws dial failed: %v", err)
		return
	}
	defer c.Close()
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			continue
		}
		sink <- payload
	}
}

func waitForEvent(events <-chan map[string]any, expect string, within time.Duration) {
	timeout := time.After(within)
	for {
		select {
		case msg := <-events:
			event, _ := msg["event"].(string)
			fmt.Printf("WS event received: %v\n", msg)
			if event == expect {
				return
			}
		case <-timeout:
			log.Fatalf("expected ws event %q not received", expect)
		}
	}
}
