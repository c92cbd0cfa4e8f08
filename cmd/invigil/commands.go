package main

import (
	"encoding/json"
	"fmt"
	"os"
)

type command struct {
	flags *GlobalFlags
}

func (c command) apiClient() (*APIClient, error) {
	client := NewAPIClient(c.flags.APIUrl, c.flags.APITimeout)
	if !client.IsReachable() {
		return nil, fmt.Errorf("daemon not reachable at %s - please start it first with 'invigil serve'", client.baseURL)
	}
	return client, nil
}

// Start begins a monitoring session through the daemon API
func (c command) Start(f StartFlags) error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	body := map[string]any{
		"session_id":      f.SessionID,
		"reference_image": f.ReferenceImage,
		"flags": map[string]bool{
			"face_detection":  f.FaceDetection,
			"face_matching":   f.FaceMatching,
			"eye_tracking":    f.EyeTracking,
			"phone_detection": f.PhoneDetection,
		},
	}
	result, err := client.StartMonitor(body)
	if err != nil {
		if result != nil {
			printJSON(result)
		}
		return err
	}
	printJSON(result)
	return nil
}

// Stop terminates the active session through the daemon API
func (c command) Stop() error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	result, err := client.StopMonitor()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Status prints the current monitor state
func (c command) Status() error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	result, err := client.GetStatus()
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

// Logs prints recent child output lines
func (c command) Logs(f LogsFlags) error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	result, err := client.GetLogs(f.Stream, f.Lines)
	if err != nil {
		return err
	}
	lines, _ := result["lines"].([]any)
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// UpdateReference swaps the participant reference image
func (c command) UpdateReference(path string) error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	if _, err := client.UpdateReference(path); err != nil {
		return err
	}
	fmt.Println("reference image updated")
	return nil
}

// Validate prints the daemon's preflight check results
func (c command) Validate() error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	result, err := client.Validate()
	if err != nil {
		return err
	}
	printJSON(result)
	if ok, _ := result["ok"].(bool); !ok {
		return fmt.Errorf("validation failed")
	}
	return nil
}

// Alerts prints recent alerts from the history backend
func (c command) Alerts(f AlertsFlags) error {
	client, err := c.apiClient()
	if err != nil {
		return err
	}
	result, err := client.GetAlerts(f.SessionID, f.Limit)
	if err != nil {
		return err
	}
	printJSON(result)
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
