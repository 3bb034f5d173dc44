package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type dispatchRequest struct {
	PickupLat      float64 `json:"pickupLat"`
	PickupLong     float64 `json:"pickupLong"`
	DestLat        float64 `json:"destLat"`
	DestLong       float64 `json:"destLong"`
	VehicleType    string  `json:"vehicleType"`
	IdempotencyKey string  `json:"idempotencyKey"`
}

type ackPayload struct {
	DriverID string `json:"driverId"`
}

func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	riderToken := flag.String("rider-token", "", "rider bearer token")
	driverToken := flag.String("driver-token", "", "driver bearer token")
	driverID := flag.String("driver-id", "sim_driver_1", "driver id that will ack the offer")
	lat := flag.Float64("lat", 40.758, "pickup latitude")
	lon := flag.Float64("lon", -73.9855, "pickup longitude")
	destLat := flag.Float64("dest-lat", 40.748, "destination latitude")
	destLon := flag.Float64("dest-lon", -73.985, "destination longitude")
	pollEvery := flag.Duration("poll", 500*time.Millisecond, "how often to poll dispatch state")
	timeout := flag.Duration("timeout", 20*time.Second, "how long to wait for an offer")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	dispatchID, err := createDispatch(client, *api, *riderToken, dispatchRequest{
		PickupLat:      *lat,
		PickupLong:     *lon,
		DestLat:        *destLat,
		DestLong:       *destLon,
		IdempotencyKey: fmt.Sprintf("sim-%d", time.Now().UnixNano()),
	})
	if err != nil {
		log.Fatalf("dispatch request failed: %v", err)
	}
	log.Printf("dispatch created: %s", dispatchID)

	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) {
		cursor, ok, err := currentCandidate(client, *api, *riderToken, dispatchID)
		if err != nil {
			log.Fatalf("poll dispatch failed: %v", err)
		}
		if ok && cursor == *driverID {
			break
		}
		time.Sleep(*pollEvery)
	}

	if err := ackDispatch(client, *api, *driverToken, dispatchID, *driverID); err != nil {
		log.Fatalf("ack failed: %v", err)
	}
	log.Printf("dispatch %s acked by %s", dispatchID, *driverID)
}

func createDispatch(client *http.Client, api, token string, payload dispatchRequest) (string, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/dispatch", api), bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create dispatch status: %s", resp.Status)
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", fmt.Errorf("dispatch id missing in response")
	}
	return res.ID, nil
}

func currentCandidate(client *http.Client, api, token, dispatchID string) (string, bool, error) {
	req, err := http.NewRequest("GET", fmt.Sprintf("%s/dispatch/%s", api, dispatchID), nil)
	if err != nil {
		return "", false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("get dispatch status: %s", resp.Status)
	}
	var res struct {
		Cursor     int `json:"cursor"`
		Candidates []struct {
			DriverID string `json:"driverId"`
			Status   string `json:"status"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", false, err
	}
	if res.Cursor < 0 || res.Cursor >= len(res.Candidates) {
		return "", false, nil
	}
	cand := res.Candidates[res.Cursor]
	return cand.DriverID, cand.Status == "offered", nil
}

func ackDispatch(client *http.Client, api, token, dispatchID, driverID string) error {
	body, _ := json.Marshal(ackPayload{DriverID: driverID})
	req, err := http.NewRequest("POST", fmt.Sprintf("%s/dispatch/%s/ack", api, dispatchID), bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ack status: %s", resp.Status)
	}
	return nil
}

func init() {
	log.SetOutput(os.Stdout)
}
