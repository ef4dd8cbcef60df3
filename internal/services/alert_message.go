package services

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/ipmon/ipmon/internal/models"
)

// AlertMailSubject is the subject of the aggregated alert mail.
const AlertMailSubject = "Monitoring - host status change alert"

const alertMessageTemplate = `<b>{{.Kind}}:</b> {{.Name}}, <b>IP:</b> {{.Address}}, <b>City:</b> {{.City}}, <b>Site:</b> {{.Site}}, linked to <b>{{.Device}}</b>. Changed to status <b>"{{.Status}}"</b> at {{.PolledAt}}`

var alertMessage = template.Must(template.New("alert").Parse(alertMessageTemplate))

// AlertMessage renders the HTML message for one alert. Status and time are taken from the
// alert itself so a message describes the transition that raised it.
func AlertMessage(alert models.Alert, host models.Host) string {
	orNA := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	kind := host.Kind
	if kind == "" {
		kind = "Device"
	}
	name := host.Hostname
	if name == "" {
		name = "Unnamed"
	}
	polledAt := "N/A"
	if !alert.CreatedAt.IsZero() {
		polledAt = alert.CreatedAt.UTC().Format(time.DateTime)
	}

	var buf bytes.Buffer
	err := alertMessage.Execute(&buf, map[string]string{
		"Kind":     kind,
		"Name":     name,
		"Address":  orNA(host.Address),
		"City":     orNA(host.City),
		"Site":     orNA(host.Site),
		"Device":   orNA(host.Device),
		"Status":   string(alert.Status),
		"PolledAt": polledAt,
	})
	if err != nil {
		return fmt.Sprintf("<b>%s</b> changed to status <b>%s</b>", template.HTMLEscapeString(host.Address), alert.Status)
	}
	return buf.String()
}

// AlertTitle is the one-line summary used by in-app and external notifications.
func AlertTitle(alert models.Alert, host models.Host) string {
	return fmt.Sprintf("Host %s is %s", host.DisplayName(), alert.Status)
}

// imageContentID names the n-th inline image of a host in the alert mail.
func imageContentID(hostID string, n int) string {
	return fmt.Sprintf("host_%s_%d", hostID, n)
}
