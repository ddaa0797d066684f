package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the operator through first-time configuration.
// Answers are read line by line from in.
func RunSetupWizard(cfg *Config, in io.Reader) error {
	return runSetup(cfg, bufio.NewReader(in))
}

func runSetup(cfg *Config, reader *bufio.Reader) error {
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║          Bastion - First Run Setup           ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	sd := cfg.GetServerData()
	ad := cfg.GetApplicationData()

	fmt.Println("── Server Identity ──")

	sd.Name = promptString(reader, "Server name", sd.Name)
	sd.Region = promptString(reader, "Region code (e.g. eu-west, us-east)", sd.Region)

	fmt.Println()
	fmt.Println("── Network Ports ──")

	sd.GamePort = promptInt(reader, "UDP game port", sd.GamePort)
	sd.DiscoveryPort = promptInt(reader, "UDP discovery port (0 disables)", sd.DiscoveryPort)
	sd.APIPort = promptInt(reader, "HTTP API port", sd.APIPort)

	fmt.Println()
	fmt.Println("── Capacity ──")

	sd.MaxSessions = promptInt(reader, "Maximum concurrent sessions", sd.MaxSessions)
	sd.Session.TickRate = promptInt(reader, "Simulation tick rate (Hz)", sd.Session.TickRate)

	fmt.Println()
	fmt.Println("── Collaborators ──")

	ad.Collaborators.AuthDevMode = promptBool(reader, "Accept dev tokens without an auth service", ad.Collaborators.AuthDevMode)
	if !ad.Collaborators.AuthDevMode {
		ad.Collaborators.AuthURL = promptString(reader, "Auth service URL", ad.Collaborators.AuthURL)
	}
	ad.Collaborators.DataBackend = promptString(reader, "Loadout backend (http/sqlite)", ad.Collaborators.DataBackend)
	if ad.Collaborators.DataBackend == "http" {
		ad.Collaborators.DataURL = promptString(reader, "Data service URL", ad.Collaborators.DataURL)
	}
	ad.Collaborators.BonusURL = promptString(reader, "Tower bonus service URL", ad.Collaborators.BonusURL)
	ad.Collaborators.OrchestratorURL = promptString(reader, "Orchestrator URL (heartbeats)", ad.Collaborators.OrchestratorURL)
	ad.Collaborators.APIKey = promptSecret(reader, "Collaborator API key", ad.Collaborators.APIKey)

	fmt.Println()
	fmt.Println("── Control API ──")

	ad.Security.APIToken = promptSecret(reader, "API bearer token", ad.Security.APIToken)

	fmt.Println()
	fmt.Println("── MQTT Event Sink ──")

	ad.MQTT.Enabled = promptBool(reader, "Publish gameplay events over MQTT", ad.MQTT.Enabled)
	if ad.MQTT.Enabled {
		ad.MQTT.BrokerURL = promptString(reader, "Broker host", ad.MQTT.BrokerURL)
		ad.MQTT.Port = promptInt(reader, "Broker port", ad.MQTT.Port)
	}

	cfg.SetServerData(sd)
	cfg.SetApplicationData(ad)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Println("\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Printf("  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetup(cfg, reader)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println()
	fmt.Println("✓ Configuration saved to", cfg.Path())
	fmt.Println()

	return nil
}

func promptString(reader *bufio.Reader, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Printf("  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptSecret(reader *bufio.Reader, prompt string, current string) string {
	fmt.Printf("  %s (blank keeps current): ", prompt)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return current
	}
	return input
}

func promptInt(reader *bufio.Reader, prompt string, defaultVal int) int {
	fmt.Printf("  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Printf("    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Printf("  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
