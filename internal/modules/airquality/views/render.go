package views

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"sync"
	"time"

	"airledger/internal/modules/airquality/types"
)

//go:embed templates
var viewsFS embed.FS

var (
	mu            sync.RWMutex
	dashboardTmpl *template.Template
)

func loadTemplatesFromFS(fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	t, err := template.ParseFS(sub, "*.html")
	if err != nil {
		return err
	}
	mu.Lock()
	dashboardTmpl = t
	mu.Unlock()
	return nil
}

// LoadTemplates parses the embedded dashboard. Call it once during startup.
func LoadTemplates() error {
	return loadTemplatesFromFS(viewsFS, "templates")
}

type DashboardData struct {
	Health types.Health
	// Current is the newest reading; nil on an empty ledger or a failed read.
	Current      *types.Reading
	Readings     []types.Reading
	PollInterval time.Duration
	LastN        int
	// Error is shown instead of the health and readings when the ledger
	// could not be read. An empty ledger leaves it blank.
	Error string
}

func (d DashboardData) PollIntervalMs() int64 {
	return d.PollInterval.Milliseconds()
}

func RenderDashboard(w io.Writer, data DashboardData) error {
	mu.RLock()
	t := dashboardTmpl
	mu.RUnlock()
	if t == nil {
		return errors.New("dashboard template not loaded: call views.LoadTemplates during startup")
	}
	return t.ExecuteTemplate(w, "dashboard.html", data)
}
