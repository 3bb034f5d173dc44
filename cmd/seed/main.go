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

// Seed registers sample rider/driver/admin identities against a running
// server and plants one driver location so a local /dispatch call has
// someone to find.
func main() {
	api := flag.String("api", "http://localhost:8080", "API base URL")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	rider, err := register(client, *api, "rider")
	if err != nil {
		log.Fatalf("register rider failed: %v", err)
	}
	driver, err := register(client, *api, "driver")
	if err != nil {
		log.Fatalf("register driver failed: %v", err)
	}
	admin, err := register(client, *api, "admin")
	if err != nil {
		log.Fatalf("register admin failed: %v", err)
	}

	for name, ident := range map[string]identity{"rider": rider, "driver": driver, "admin": admin} {
		fmt.Printf("%s: id=%s token=%s\n", name, ident.ID, ident.Token)
	}

	location := map[string]any{
		"latitude":    40.758,
		"longitude":   -73.9855,
		"vehicleType": "standard",
	}
	if err := postJSON(client, fmt.Sprintf("%s/api/drivers/%s/location", *api, driver.ID), driver.Token, location); err != nil {
		log.Printf("seed driver location failed: %v", err)
	}
}

type identity struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Role  string `json:"role"`
}

func register(client *http.Client, api, role string) (identity, error) {
	body, _ := json.Marshal(map[string]string{"role": role})
	resp, err := client.Post(api+"/api/auth/register", "application/json", bytes.NewReader(body))
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

func postJSON(client *http.Client, url, token string, payload any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
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
		return fmt.Errorf("status %s", resp.Status)
	}
	return nil
}

func init() {
	log.SetOutput(os.Stdout)
}
