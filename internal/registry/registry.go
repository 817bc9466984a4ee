// Package registry implements the Process Registry (spec.md C2): a typed
// façade over the Atomic File Store that tracks API-server and MCP-client
// PIDs, detects registration conflicts, prunes stale entries, and migrates
// the legacy api_pid/clients document shape.
package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/headless-pm/pmcore/internal/atomicstore"
	"github.com/headless-pm/pmcore/internal/procutil"
)

// ProcessType discriminates registry entries (spec.md §9: tagged union).
type ProcessType string

const (
	TypeAPIServer ProcessType = "api_server"
	TypeMCPClient ProcessType = "mcp_client"
)

// ErrPIDConflict is returned when a PID is already registered under a
// different type (spec.md §4.2, §7).
var ErrPIDConflict = errors.New("registry: pid already registered under a different type")

// Entry is one process record in the registry document.
type Entry struct {
	Type          ProcessType `json:"type"`
	Started       float64     `json:"started"`
	Repository    string      `json:"repository"`
	LastHeartbeat float64     `json:"last_heartbeat"`
	ClientID      string      `json:"client_id,omitempty"`
}

// Registry wraps the atomic store document at Path (spec.md §6).
type Registry struct {
	store *atomicstore.Store
}

// New returns a Registry backed by the document at path.
func New(path string) *Registry {
	return &Registry{store: atomicstore.New(path)}
}

func emptyDoc() map[string]any {
	return map[string]any{
		"processes":    map[string]any{},
		"primary_api":  nil,
		"rate_limits": map[string]any{},
	}
}

// RegisterAPIServer registers pid as the API server process, promoting it
// to primary_api if none is set (spec.md §4.2).
func (r *Registry) RegisterAPIServer(pid int, repository string) error {
	_, err := r.store.Update(func(doc map[string]any) (map[string]any, error) {
		doc = migrateLegacy(doc)
		processes := processesOf(doc)
		if conflict(processes, pid, TypeAPIServer) {
			return nil, ErrPIDConflict
		}
		now := float64(time.Now().Unix())
		processes[pidKey(pid)] = entryMap(Entry{
			Type:          TypeAPIServer,
			Started:       now,
			Repository:    repository,
			LastHeartbeat: now,
		})
		doc["processes"] = processes
		if doc["primary_api"] == nil {
			doc["primary_api"] = float64(pid)
		}
		return doc, nil
	}, emptyDoc())
	return err
}

// RegisterMCPClient registers pid as an MCP client and reports whether the
// caller should start an API server: true iff no live API server is
// registered after this insertion (spec.md §4.2).
func (r *Registry) RegisterMCPClient(pid int, clientID string) (shouldStart bool, err error) {
	doc, err := r.store.Update(func(doc map[string]any) (map[string]any, error) {
		doc = migrateLegacy(doc)
		processes := processesOf(doc)
		if conflict(processes, pid, TypeMCPClient) {
			return nil, ErrPIDConflict
		}
		now := float64(time.Now().Unix())
		processes[pidKey(pid)] = entryMap(Entry{
			Type:          TypeMCPClient,
			Started:       now,
			LastHeartbeat: now,
			ClientID:      clientID,
		})
		doc["processes"] = processes
		return doc, nil
	}, emptyDoc())
	if err != nil {
		return false, err
	}
	return !hasLiveAPIServer(processesOf(doc)), nil
}

// Unregister removes pid if it matches expectedType and reports
// shouldCleanupAPI: true iff no MCP clients remain in the registry after
// the removal (spec.md §4.2, §4.12 step 1). Neither expectedType nor
// whether the caller started the API server affects that result.
func (r *Registry) Unregister(pid int, expectedType ProcessType) (shouldCleanupAPI bool, err error) {
	doc, err := r.store.Update(func(doc map[string]any) (map[string]any, error) {
		doc = migrateLegacy(doc)
		processes := processesOf(doc)
		key := pidKey(pid)
		entry, ok := processes[key]
		if ok {
			if em, ok := entry.(map[string]any); ok && ProcessType(fmt.Sprint(em["type"])) != expectedType {
				// PID/type mismatch: nothing to remove.
			} else {
				delete(processes, key)
			}
		}
		doc["processes"] = processes

		if pa, ok := doc["primary_api"].(float64); ok && int(pa) == pid {
			doc["primary_api"] = promotePrimary(processes)
		}
		return doc, nil
	}, emptyDoc())
	if err != nil {
		return false, err
	}
	processes := processesOf(doc)
	return countOfType(processes, TypeMCPClient) == 0, nil
}

// PruneStale removes entries whose PID no longer exists on the host and
// refreshes the heartbeat of survivors (spec.md §4.2, §4.11 step 1).
func (r *Registry) PruneStale() error {
	_, err := r.store.Update(func(doc map[string]any) (map[string]any, error) {
		doc = migrateLegacy(doc)
		processes := processesOf(doc)
		now := float64(time.Now().Unix())
		for key, raw := range processes {
			em, ok := raw.(map[string]any)
			if !ok {
				delete(processes, key)
				continue
			}
			pid := pidFromKey(key)
			if pid <= 0 || !procutil.PIDAlive(pid) {
				delete(processes, key)
				continue
			}
			em["last_heartbeat"] = now
			processes[key] = em
		}
		doc["processes"] = processes
		if pa, ok := doc["primary_api"].(float64); ok {
			if _, alive := processes[pidKey(int(pa))]; !alive {
				doc["primary_api"] = promotePrimary(processes)
			}
		}
		return doc, nil
	}, emptyDoc())
	return err
}

// Status is a read-only registry summary (SPEC_FULL §12, get_registry_status).
type Status struct {
	Path          string
	PrimaryAPI    *int
	APIServers    []int
	MCPClients    []int
	TotalProcesses int
}

// GetStatus returns a read-only snapshot of the registry without mutating it.
func (r *Registry) GetStatus() Status {
	doc := r.store.Read(emptyDoc())
	doc = migrateLegacy(doc)
	processes := processesOf(doc)
	st := Status{Path: r.store.Path}
	for key, raw := range processes {
		em, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		pid := pidFromKey(key)
		switch ProcessType(fmt.Sprint(em["type"])) {
		case TypeAPIServer:
			st.APIServers = append(st.APIServers, pid)
		case TypeMCPClient:
			st.MCPClients = append(st.MCPClients, pid)
		}
	}
	st.TotalProcesses = len(processes)
	if pa, ok := doc["primary_api"].(float64); ok {
		p := int(pa)
		st.PrimaryAPI = &p
	}
	return st
}

// DeleteIfEmpty removes the registry document when no processes remain
// (spec.md §3 lifecycle).
func (r *Registry) DeleteIfEmpty() error {
	doc := r.store.Read(emptyDoc())
	doc = migrateLegacy(doc)
	if len(processesOf(doc)) == 0 {
		return r.store.Delete()
	}
	return nil
}

func conflict(processes map[string]any, pid int, wantType ProcessType) bool {
	if raw, ok := processes[pidKey(pid)]; ok {
		if em, ok := raw.(map[string]any); ok {
			if ProcessType(fmt.Sprint(em["type"])) != wantType {
				return true
			}
		}
	}
	return false
}

func hasLiveAPIServer(processes map[string]any) bool {
	for key, raw := range processes {
		em, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ProcessType(fmt.Sprint(em["type"])) == TypeAPIServer && procutil.PIDAlive(pidFromKey(key)) {
			return true
		}
	}
	return false
}

func countOfType(processes map[string]any, t ProcessType) int {
	n := 0
	for _, raw := range processes {
		em, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ProcessType(fmt.Sprint(em["type"])) == t {
			n++
		}
	}
	return n
}

func promotePrimary(processes map[string]any) any {
	for key, raw := range processes {
		em, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if ProcessType(fmt.Sprint(em["type"])) == TypeAPIServer {
			return float64(pidFromKey(key))
		}
	}
	return nil
}

func entryMap(e Entry) map[string]any {
	m := map[string]any{
		"type":           string(e.Type),
		"started":        e.Started,
		"repository":     e.Repository,
		"last_heartbeat": e.LastHeartbeat,
	}
	if e.ClientID != "" {
		m["client_id"] = e.ClientID
	}
	return m
}

func processesOf(doc map[string]any) map[string]any {
	if p, ok := doc["processes"].(map[string]any); ok {
		return p
	}
	return map[string]any{}
}

func pidKey(pid int) string { return fmt.Sprintf("%d", pid) }

func pidFromKey(key string) int {
	var pid int
	_, err := fmt.Sscanf(key, "%d", &pid)
	if err != nil {
		return 0
	}
	return pid
}

// migrateLegacy translates the legacy {api_pid, clients} shape into the
// flat processes structure, preferring the legacy api_pid on collision
// (spec.md §4.2 migrate_legacy; original process_registry.migrate_legacy_structure).
func migrateLegacy(doc map[string]any) map[string]any {
	_, hasAPIPid := doc["api_pid"]
	_, hasClients := doc["clients"]
	if _, hasProcesses := doc["processes"]; hasProcesses && !hasAPIPid && !hasClients {
		return doc // already migrated
	}

	out := map[string]any{"processes": processesOf(doc)}
	processes := processesOf(out)

	if apiPidRaw, ok := doc["api_pid"]; ok {
		if pid := toInt(apiPidRaw); pid > 0 && procutil.PIDAlive(pid) {
			now := float64(time.Now().Unix())
			cwd, _ := os.Getwd()
			processes[pidKey(pid)] = entryMap(Entry{Type: TypeAPIServer, Started: now, Repository: cwd, LastHeartbeat: now})
			out["primary_api"] = float64(pid)
		}
	}

	if clients, ok := doc["clients"].(map[string]any); ok {
		for clientID, raw := range clients {
			cm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			pid := toInt(cm["pid"])
			if pid <= 0 || !procutil.PIDAlive(pid) {
				continue
			}
			if _, exists := processes[pidKey(pid)]; exists {
				continue // legacy api_pid takes priority on collision
			}
			started := toFloat(cm["timestamp"])
			if started == 0 {
				started = float64(time.Now().Unix())
			}
			processes[pidKey(pid)] = entryMap(Entry{Type: TypeMCPClient, Started: started, LastHeartbeat: float64(time.Now().Unix()), ClientID: clientID})
		}
	}

	out["processes"] = processes
	if _, set := out["primary_api"]; !set {
		out["primary_api"] = doc["primary_api"]
	}
	for k, v := range doc {
		if k == "api_pid" || k == "clients" || k == "processes" || k == "primary_api" {
			continue
		}
		out[k] = v
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
