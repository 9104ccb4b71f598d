package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks the operator through the relay settings and saves
// the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	relay := cfg.GetRelayData()
	app := cfg.GetApplicationData()

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            MUCO Relay - Setup                ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "── Relay ──")
	relay.Port = promptInt(reader, out, "Relay port", relay.Port)
	relay.Transport = promptChoice(reader, out, "Transport", relay.Transport, TransportTCP, TransportWebSocket)
	if relay.Transport == TransportWebSocket {
		relay.WebSocketPath = promptString(reader, out, "WebSocket path", relay.WebSocketPath)
	}
	relay.ExecutionMode = promptChoice(reader, out, "Execution mode", relay.ExecutionMode, ModeInline, ModeDeferred)
	relay.AutoStart = promptBool(reader, out, "Start relay on launch", relay.AutoStart)
	relay.AutoLoadExperience = promptBool(reader, out, "Send current experience to newcomers", relay.AutoLoadExperience)
	relay.DefaultExperience = promptString(reader, out, "Default experience", relay.DefaultExperience)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Admin API ──")
	app.API.Enabled = promptBool(reader, out, "Enable REST API", app.API.Enabled)
	if app.API.Enabled {
		app.API.Port = promptInt(reader, out, "REST API port", app.API.Port)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, out, "Broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = promptInt(reader, out, "Broker port", app.MQTT.Port)
	}

	cfg.SetRelayData(relay)
	cfg.SetApplicationData(app)

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptChoice(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string, choices ...string) string {
	label := fmt.Sprintf("%s (%s)", prompt, strings.Join(choices, "/"))
	for {
		v := strings.ToLower(promptString(reader, out, label, defaultVal))
		for _, c := range choices {
			if v == c {
				return v
			}
		}
		fmt.Fprintf(out, "    Unknown choice %q\n", v)
		if _, err := reader.Peek(1); err != nil {
			return defaultVal
		}
	}
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
