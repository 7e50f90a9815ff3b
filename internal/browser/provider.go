// Package browser starts and stops the Chrome instances sessions drive,
// either as local processes or as browserless containers.
package browser

import (
	"context"

	"github.com/go-rod/rod/lib/launcher"
)

// Instance is one running browser.
type Instance struct {
	ID          string
	ConnectURL  string
	ContainerID string
	// DownloadPath is the session download directory as the browser sees it.
	DownloadPath string

	local *launcher.Launcher
}

// Provider starts a browser whose downloads land in downloadDir.
type Provider interface {
	Start(ctx context.Context, id, downloadDir string) (*Instance, error)
	Stop(ctx context.Context, inst *Instance) error
}
