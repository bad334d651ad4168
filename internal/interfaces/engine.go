// Package interfaces defines service contracts for Felt
package interfaces

import (
	"encoding/json"

	"github.com/bobmcallan/felt/internal/models"
)

// Engine is the poker rules engine consumed as a black box. The engine
// is authoritative for hand evaluation, street progression, and pot
// math; the orchestrator only versions, stores, and fans out its state.
//
// An Engine instance is single-use per action sequence: restore (or
// create), act, snapshot. Instances are not safe for concurrent use.
type Engine interface {
	// Act applies one table action. Rules violations return an error
	// whose message begins with a stable engine code.
	Act(action models.Action) error

	// Deal starts the next hand. Equivalent to Act with a DEAL action;
	// exposed separately for the auto-deal path.
	Deal() error

	// Snapshot serializes the engine-owned state for storage.
	Snapshot() (json.RawMessage, error)

	// State exposes the public projection the orchestrator reads:
	// players, street, pending actor, winners, rake.
	State() models.EngineState

	// View projects the state for one viewer, redacting other players'
	// hole cards. An empty viewerID yields the spectator view.
	View(viewerID string, version int64) (json.RawMessage, error)

	// History renders the completed hand in the given format ("json").
	History(format string) (json.RawMessage, error)
}

// EngineFactory creates and restores engines.
type EngineFactory interface {
	// New initializes an engine for a fresh table. Tournament configs
	// are expanded to a default blind ladder when none is supplied.
	New(config models.TableConfig) (Engine, error)

	// Restore rebuilds an engine from a stored snapshot's engine state.
	Restore(engineState json.RawMessage) (Engine, error)
}
