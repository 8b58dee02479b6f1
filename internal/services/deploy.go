package services

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/featherdev/feather/internal/logger"
)

// buildsToKeep is how many archived builds survive cleanup.
const buildsToKeep = 20

// DeployEvent is one progress message on the deploy stream.
type DeployEvent struct {
	Type    string `json:"type"` // output, progress, complete
	Track   string `json:"track"`
	Line    string `json:"line,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Pct     *int   `json:"pct,omitempty"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ServiceStatus is one supervised process in the deploy status report.
type ServiceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	PID    string `json:"pid,omitempty"`
	Uptime string `json:"uptime,omitempty"`
}

// DeployStatus is the GET /v1/deploy/status response.
type DeployStatus struct {
	Version       string          `json:"version"`
	Services      []ServiceStatus `json:"services"`
	ActiveVersion string          `json:"active_version"`
	BuildCount    int             `json:"build_count"`
}

// DeployService rebuilds and redeploys the server binary from source.
// Build archives live in the builds dir as {version}.bin; the active version
// marker lets any archived build be reactivated (rolled back to). Progress is
// fanned out to SSE subscribers; a deploy runs in the background and the
// HTTP call returns immediately.
type DeployService struct {
	version   string
	sourceDir string
	buildsDir string
	binPath   string

	mu      sync.Mutex
	running bool
	subs    map[string]chan DeployEvent
}

// NewDeployService creates a deploy service. version is the running server
// version reported in status.
func NewDeployService(version, sourceDir, buildsDir, binPath string) *DeployService {
	return &DeployService{
		version:   version,
		sourceDir: sourceDir,
		buildsDir: buildsDir,
		binPath:   binPath,
		subs:      make(map[string]chan DeployEvent),
	}
}

// Subscribe returns a deploy event channel and an unsubscribe func. Events
// are dropped, not blocked on, when a subscriber falls behind.
func (d *DeployService) Subscribe() (<-chan DeployEvent, func()) {
	id := uuid.New().String()
	ch := make(chan DeployEvent, 100)
	d.mu.Lock()
	d.subs[id] = ch
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}

func (d *DeployService) publish(event DeployEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (d *DeployService) output(track, line string) {
	d.publish(DeployEvent{Type: "output", Track: track, Line: line})
}

func (d *DeployService) progress(track, stage string, pct int) {
	d.publish(DeployEvent{Type: "progress", Track: track, Stage: stage, Pct: &pct})
}

func (d *DeployService) complete(track string, success bool, message string) {
	d.publish(DeployEvent{Type: "complete", Track: track, Success: success, Message: message})
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status reports the supervised services, the active build, and the archive
// size.
func (d *DeployService) Status() DeployStatus {
	active, _ := os.ReadFile(filepath.Join(d.buildsDir, "active"))
	return DeployStatus{
		Version:       d.version,
		Services:      parseSupervisorStatus(),
		ActiveVersion: strings.TrimSpace(string(active)),
		BuildCount:    len(d.archivedBuilds()),
	}
}

// StartAppDeploy kicks off a background rebuild-and-restart. Returns an error
// when a deploy is already in flight.
func (d *DeployService) StartAppDeploy() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("deploy already in progress")
	}
	d.running = true
	d.mu.Unlock()

	go d.runAppDeploy()
	return nil
}

// StartRollback activates an archived build in the background.
func (d *DeployService) StartRollback(version string) error {
	if _, err := os.Stat(filepath.Join(d.buildsDir, version+".bin")); err != nil {
		return fmt.Errorf("build %q not found", version)
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("deploy already in progress")
	}
	d.running = true
	d.mu.Unlock()

	go d.runRollback(version)
	return nil
}

func (d *DeployService) runAppDeploy() {
	const track = "app"
	version := time.Now().Format("20060102-1504")
	d.output(track, fmt.Sprintf("=== Build: %s ===", version))
	d.progress(track, "Building", 15)
	d.output(track, "[1/4] Compiling...")

	buildOut := filepath.Join(os.TempDir(), "feather-build-"+version)
	cmd := exec.Command("go", "build", "-o", buildOut, "./cmd/feather")
	cmd.Dir = d.sourceDir
	out, err := cmd.CombinedOutput()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			d.output(track, line)
		}
	}
	if err != nil {
		d.output(track, "Build FAILED")
		d.complete(track, false, "go build failed")
		return
	}
	d.output(track, "Build complete")

	d.progress(track, "Archiving", 75)
	d.output(track, "[2/4] Archiving...")
	if err := os.MkdirAll(d.buildsDir, 0755); err != nil {
		d.complete(track, false, fmt.Sprintf("failed to create builds dir: %v", err))
		return
	}
	archive := filepath.Join(d.buildsDir, version+".bin")
	if err := copyFile(buildOut, archive); err != nil {
		d.complete(track, false, fmt.Sprintf("failed to archive build: %v", err))
		return
	}
	d.output(track, fmt.Sprintf("Archived build %s", version))

	d.progress(track, "Installing", 85)
	d.output(track, "[3/4] Installing...")
	if err := copyFile(buildOut, d.binPath); err != nil {
		d.complete(track, false, fmt.Sprintf("failed to install binary: %v", err))
		return
	}
	d.output(track, fmt.Sprintf("Installed binary to %s", d.binPath))
	d.setActiveVersion(version)
	d.cleanupOldBuilds(track)

	d.progress(track, "Restarting", 95)
	d.output(track, "[4/4] Restarting feather...")
	d.complete(track, true, fmt.Sprintf("Build %s complete, restarting...", version))
	d.restart()
}

func (d *DeployService) runRollback(version string) {
	const track = "app"
	d.output(track, fmt.Sprintf("=== Activating build: %s ===", version))

	d.progress(track, "Installing", 20)
	if err := copyFile(filepath.Join(d.buildsDir, version+".bin"), d.binPath); err != nil {
		d.output(track, "ERROR: Failed to install binary")
		d.complete(track, false, "Failed to install binary")
		return
	}
	d.output(track, fmt.Sprintf("Installed binary from %s.bin", version))
	d.setActiveVersion(version)

	d.progress(track, "Restarting", 80)
	d.output(track, "Restarting feather...")
	d.complete(track, true, fmt.Sprintf("Activated build %s. Restarting...", version))
	d.restart()
}

// restart exits through the supervisor: a short delay lets the SSE complete
// event flush, then the process is killed and supervisord restarts it on the
// new binary.
func (d *DeployService) restart() {
	time.Sleep(500 * time.Millisecond)
	if err := exec.Command("supervisorctl", "-s", "unix:///tmp/supervisor.sock", "restart", "feather").Run(); err != nil {
		logger.Warnf("supervisorctl restart failed, falling back to pkill: %v", err)
		_ = exec.Command("pkill", "-x", "feather").Run()
	}
}

func (d *DeployService) setActiveVersion(version string) {
	if err := os.WriteFile(filepath.Join(d.buildsDir, "active"), []byte(version+"\n"), 0644); err != nil {
		logger.Warnf("Failed to write active version marker: %v", err)
	}
}

// cleanupOldBuilds removes everything past the newest buildsToKeep archives.
func (d *DeployService) cleanupOldBuilds(track string) {
	builds := d.archivedBuilds()
	if len(builds) <= buildsToKeep {
		return
	}
	for _, old := range builds[buildsToKeep:] {
		_ = os.Remove(filepath.Join(d.buildsDir, old+".bin"))
		d.output(track, "Cleaned up old build: "+old)
	}
}

// archivedBuilds lists archived versions, newest first by mtime.
func (d *DeployService) archivedBuilds() []string {
	entries, err := os.ReadDir(d.buildsDir)
	if err != nil {
		return nil
	}
	type build struct {
		version string
		mtime   time.Time
	}
	var builds []build
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		builds = append(builds, build{strings.TrimSuffix(name, ".bin"), info.ModTime()})
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].mtime.After(builds[j].mtime) })

	versions := make([]string, len(builds))
	for i, b := range builds {
		versions[i] = b.version
	}
	return versions
}

// parseSupervisorStatus shells out to supervisorctl and parses its table.
// Format: "name  STATUS  pid NNNN, uptime H:MM:SS".
func parseSupervisorStatus() []ServiceStatus {
	out, err := exec.Command("supervisorctl", "-s", "unix:///tmp/supervisor.sock", "status").Output()
	if err != nil && len(out) == 0 {
		return nil
	}

	var services []ServiceStatus
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		svc := ServiceStatus{Name: fields[0], Status: fields[1]}
		for i, f := range fields {
			if f == "pid" && i+1 < len(fields) {
				svc.PID = strings.TrimSuffix(fields[i+1], ",")
			}
			if f == "uptime" && i+1 < len(fields) {
				svc.Uptime = fields[i+1]
			}
		}
		services = append(services, svc)
	}
	return services
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0755); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
