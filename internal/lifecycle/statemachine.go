package lifecycle

import "github.com/d-o-hub/epimem/internal/models"

// validTerminalTransition reports whether an episode currently in status
// current may be finalised. Only a non-terminal episode may transition; the
// terminal state itself is derived from outcome kind by terminalStatusFor.
func validTerminalTransition(current models.EpisodeStatus) bool {
	return !current.IsTerminal()
}

// terminalStatusFor maps a completion outcome to the episode status it
// produces, per spec.md §4.1's Created->InProgress->{Completed,Failed,Aborted}
// state machine.
func terminalStatusFor(kind models.OutcomeKind) models.EpisodeStatus {
	if kind == models.OutcomeFailure {
		return models.EpisodeStatusFailed
	}
	return models.EpisodeStatusCompleted
}
