package broadcast

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Command runs a shell command per event, e.g. a desktop notification or a
// webhook via curl. Placeholders {{.Type}}, {{.RequestID}}, {{.SessionID}},
// {{.MechanicID}}, {{.Status}}, {{.Source}} and {{.Count}} are substituted.
type Command struct {
	Template string
}

func (c Command) Publish(ctx context.Context, e Event) error {
	if c.Template == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", templateEvent(c.Template, e))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("broadcast: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateEvent replaces placeholders in the command template with event values.
func templateEvent(command string, e Event) string {
	r := strings.NewReplacer(
		"{{.Type}}", e.Type,
		"{{.RequestID}}", e.RequestID,
		"{{.SessionID}}", e.SessionID,
		"{{.MechanicID}}", e.MechanicID,
		"{{.Status}}", e.Status,
		"{{.Source}}", e.Source,
		"{{.Count}}", strconv.Itoa(e.Count),
	)
	return r.Replace(command)
}
