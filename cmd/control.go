package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	chargingAction string
	odometerKm     float64
	apiAddr        string
)

const defaultAPIAddr = "http://localhost:8080"

// API response types
type apiSuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type apiOdometerResponse struct {
	Success    bool    `json:"success"`
	OdometerKm float64 `json:"odometer_km"`
	Message    string  `json:"message,omitempty"`
}

type apiVehicle struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Brand       string `json:"brand,omitempty"`
	Model       string `json:"model,omitempty"`
	Year        int    `json:"year,omitempty"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Control the running bridge",
	Long:  `Send control commands to the running bridge service.`,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current vehicle status",
	Long:  `Display the current vehicle status snapshot.`,
	RunE:  getStatus,
}

var chargingCmd = &cobra.Command{
	Use:   "charging",
	Short: "Start or stop charging",
	Long:  `Send a START or STOP charging action to the backend.`,
	RunE:  setCharging,
}

var odometerCmd = &cobra.Command{
	Use:   "odometer",
	Short: "Update the odometer reading",
	Long: `Push an odometer reading to the backend's latest charging session.
Without --km the reading cached from the configured source topic is used.`,
	RunE: updateOdometer,
}

var telemetryCmd = &cobra.Command{
	Use:   "send-telemetry",
	Short: "Force a telemetry send",
	Long:  `Relay the current vehicle snapshot to A Better Route Planner now.`,
	RunE:  sendTelemetry,
}

var vehiclesCmd = &cobra.Command{
	Use:   "vehicles",
	Short: "List linked vehicles",
	Long:  `List all vehicles linked to the configured account.`,
	RunE:  listVehicles,
}

func init() {
	rootCmd.AddCommand(controlCmd)

	controlCmd.AddCommand(statusCmd)
	controlCmd.AddCommand(chargingCmd)
	controlCmd.AddCommand(odometerCmd)
	controlCmd.AddCommand(telemetryCmd)
	controlCmd.AddCommand(vehiclesCmd)

	// Add global API address flag
	controlCmd.PersistentFlags().StringVar(&apiAddr, "api", defaultAPIAddr, "API server address")

	chargingCmd.Flags().StringVarP(&chargingAction, "action", "a", "", "charging action: START or STOP (required)")
	chargingCmd.MarkFlagRequired("action")

	odometerCmd.Flags().Float64Var(&odometerKm, "km", 0, "odometer reading in km (optional, source reading used when omitted)")
}

func getStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(apiAddr + "/api/status")
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: evconduit-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var snapshot map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintln(w, "-----\t-----")
	printSnapshot(w, "", snapshot)
	w.Flush()
	return nil
}

// printSnapshot prints scalar fields and one level of nested objects.
func printSnapshot(w *tabwriter.Writer, prefix string, m map[string]any) {
	for key, value := range m {
		name := key
		if prefix != "" {
			name = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			if prefix == "" {
				printSnapshot(w, key, nested)
			}
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", name, value)
	}
}

func setCharging(cmd *cobra.Command, args []string) error {
	reqBody := map[string]string{"action": chargingAction}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := http.Post(apiAddr+"/api/charging", "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: evconduit-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var successResp apiSuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&successResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("✓ %s\n", successResp.Message)
	return nil
}

func updateOdometer(cmd *cobra.Command, args []string) error {
	var body io.Reader
	if cmd.Flags().Changed("km") {
		jsonData, err := json.Marshal(map[string]float64{"odometer_km": odometerKm})
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	resp, err := http.Post(apiAddr+"/api/odometer", "application/json", body)
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: evconduit-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var odoResp apiOdometerResponse
	if err := json.NewDecoder(resp.Body).Decode(&odoResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if odoResp.Success {
		fmt.Printf("✓ Odometer updated to %.1f km\n", odoResp.OdometerKm)
	} else {
		fmt.Printf("Odometer update skipped: %s\n", odoResp.Message)
	}
	return nil
}

func sendTelemetry(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(apiAddr+"/api/telemetry/send", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: evconduit-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var successResp apiSuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&successResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("✓ %s\n", successResp.Message)
	return nil
}

func listVehicles(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(apiAddr + "/api/vehicles")
	if err != nil {
		return fmt.Errorf("failed to connect to API server: %w\nMake sure the service is running with: evconduit-bridge run", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}

	var vehicles []apiVehicle
	if err := json.NewDecoder(resp.Body).Decode(&vehicles); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tBRAND\tMODEL\tYEAR")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t----")
	for _, v := range vehicles {
		year := "-"
		if v.Year != 0 {
			year = fmt.Sprintf("%d", v.Year)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.DisplayName, v.Brand, v.Model, year)
	}
	w.Flush()
	return nil
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var errResp apiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("API error: %s", errResp.Error)
	}
	return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
}
