package notify

import (
	"github.com/gen2brain/beeep"
)

// DesktopAlerter shows pushed notifications as desktop notifications.
type DesktopAlerter struct {
	AppName string
}

// Alert implements Alerter.
func (d DesktopAlerter) Alert(r Record) error {
	title := r.Kind.Title()
	if d.AppName != "" {
		title = d.AppName + ": " + title
	}
	return beeep.Notify(title, r.Message, "")
}
