package session

// SimulationActive reports whether the world simulation should advance.
// A client session always simulates. A local session simulates while the
// player is playing, and keeps simulating in the pause menu once it is
// anything other than private, since remote peers may still be playing.
func SimulationActive(s State) bool {
	if s.Game == nil {
		return false
	}
	if s.Game.Focus == FocusPlaying {
		return true
	}
	switch sess := s.Game.Session.(type) {
	case *ClientSession:
		return true
	case *LocalSession:
		return sess.Visibility != VisibilityPrivate
	}
	return false
}
