// Package session is the top-level lifecycle state machine: menu context,
// local and client sessions, LAN visibility of a local session and the
// ordered shutdown of everything a session owns.
package session

import (
	"encoding/json"
	"strings"
)

// Phase is Menu or InGame. It is derived from State, never stored.
type Phase int

const (
	PhaseMenu Phase = iota
	PhaseInGame
)

var phaseStrings = map[Phase]string{
	PhaseMenu:   "menu",
	PhaseInGame: "in_game",
}

func (p Phase) String() string {
	if s, ok := phaseStrings[p]; ok {
		return s
	}
	return "menu"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// MenuContext is the menu screen the user is on.
type MenuContext int

const (
	MenuMain MenuContext = iota
	MenuSingleplayerOverview
	MenuSingleplayerNewGame
	MenuSingleplayerLoadGame
	MenuMultiplayerOverview
	MenuMultiplayerHostNewGame
	MenuMultiplayerHostSavedGame
	MenuMultiplayerJoin
	MenuSettings
	MenuWiki
)

var menuContextStrings = map[MenuContext]string{
	MenuMain:                     "main",
	MenuSingleplayerOverview:     "singleplayer",
	MenuSingleplayerNewGame:      "singleplayer_new_game",
	MenuSingleplayerLoadGame:     "singleplayer_load_game",
	MenuMultiplayerOverview:      "multiplayer",
	MenuMultiplayerHostNewGame:   "multiplayer_host_new_game",
	MenuMultiplayerHostSavedGame: "multiplayer_host_saved_game",
	MenuMultiplayerJoin:          "multiplayer_join",
	MenuSettings:                 "settings",
	MenuWiki:                     "wiki",
}

func (m MenuContext) String() string {
	if s, ok := menuContextStrings[m]; ok {
		return s
	}
	return "main"
}

func (m MenuContext) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// ParseMenuContext resolves a menu context by name.
func ParseMenuContext(s string) (MenuContext, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range menuContextStrings {
		if name == s {
			return m, true
		}
	}
	return MenuMain, false
}

// StartsGame reports whether a local session may be started from here.
func (m MenuContext) StartsGame() bool {
	switch m {
	case MenuSingleplayerNewGame, MenuSingleplayerLoadGame,
		MenuMultiplayerHostNewGame, MenuMultiplayerHostSavedGame:
		return true
	}
	return false
}

// Hosts reports whether a session started here should go public once running.
func (m MenuContext) Hosts() bool {
	return m == MenuMultiplayerHostNewGame || m == MenuMultiplayerHostSavedGame
}

// Joins reports whether a client session may be started from here.
func (m MenuContext) Joins() bool {
	return m == MenuMultiplayerJoin
}

// Browsing reports whether LAN discovery runs in this context.
func (m MenuContext) Browsing() bool {
	return m == MenuMultiplayerJoin
}

// Focus is whether the player is in the game or in the pause menu.
type Focus int

const (
	FocusPaused Focus = iota
	FocusPlaying
)

var focusStrings = map[Focus]string{
	FocusPaused:  "paused",
	FocusPlaying: "playing",
}

func (f Focus) String() string {
	if s, ok := focusStrings[f]; ok {
		return s
	}
	return "paused"
}

func (f Focus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + f.String() + `"`), nil
}

// ParseFocus resolves a focus by name.
func ParseFocus(s string) (Focus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "playing":
		return FocusPlaying, true
	case "paused":
		return FocusPaused, true
	}
	return FocusPaused, false
}

// SessionType is None in the menu, otherwise Local or Client.
type SessionType int

const (
	SessionNone SessionType = iota
	SessionLocal
	SessionClient
)

var sessionTypeStrings = map[SessionType]string{
	SessionNone:   "none",
	SessionLocal:  "local",
	SessionClient: "client",
}

func (t SessionType) String() string {
	if s, ok := sessionTypeStrings[t]; ok {
		return s
	}
	return "none"
}

func (t SessionType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// LocalStatus is the status of a local session.
type LocalStatus int

const (
	LocalStarting LocalStatus = iota
	LocalRunning
	LocalStopping
	LocalFailed
)

var localStatusStrings = map[LocalStatus]string{
	LocalStarting: "starting",
	LocalRunning:  "running",
	LocalStopping: "stopping",
	LocalFailed:   "failed",
}

func (s LocalStatus) String() string {
	if str, ok := localStatusStrings[s]; ok {
		return str
	}
	return "starting"
}

func (s LocalStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ClientStatus is the status of a client session.
type ClientStatus int

const (
	ClientConnecting ClientStatus = iota
	ClientSyncing
	ClientRunning
	ClientDisconnecting
	ClientFailed
)

var clientStatusStrings = map[ClientStatus]string{
	ClientConnecting:    "connecting",
	ClientSyncing:       "syncing",
	ClientRunning:       "running",
	ClientDisconnecting: "disconnecting",
	ClientFailed:        "failed",
}

func (s ClientStatus) String() string {
	if str, ok := clientStatusStrings[s]; ok {
		return str
	}
	return "connecting"
}

func (s ClientStatus) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Visibility is whether a local session is reachable from the LAN.
type Visibility int

const (
	VisibilityPrivate Visibility = iota
	VisibilityPendingPublic
	VisibilityGoingPublic
	VisibilityPublic
	VisibilityGoingPrivate
	VisibilityFailed
)

var visibilityStrings = map[Visibility]string{
	VisibilityPrivate:       "private",
	VisibilityPendingPublic: "pending_public",
	VisibilityGoingPublic:   "going_public",
	VisibilityPublic:        "public",
	VisibilityGoingPrivate:  "going_private",
	VisibilityFailed:        "failed",
}

func (v Visibility) String() string {
	if s, ok := visibilityStrings[v]; ok {
		return s
	}
	return "private"
}

func (v Visibility) MarshalJSON() ([]byte, error) {
	return []byte(`"` + v.String() + `"`), nil
}

// Session is the per-type state of a running game. It is implemented by
// *LocalSession and *ClientSession only.
type Session interface {
	Type() SessionType
	leaf() string
	clone() Session
}

// LocalSession is a singleplayer session, optionally visible on the LAN.
type LocalSession struct {
	Status     LocalStatus `json:"status"`
	Visibility Visibility  `json:"visibility"`
}

func (*LocalSession) Type() SessionType { return SessionLocal }

func (s *LocalSession) leaf() string {
	return "local/" + s.Status.String() + "/" + s.Visibility.String()
}

func (s *LocalSession) clone() Session {
	c := *s
	return &c
}

// Failed reports whether the session or its visibility is in a Failed leaf.
func (s *LocalSession) Failed() bool {
	return s.Status == LocalFailed || s.Visibility == VisibilityFailed
}

// ClientSession is a session joined on a remote host.
type ClientSession struct {
	Status ClientStatus `json:"status"`
}

func (*ClientSession) Type() SessionType { return SessionClient }

func (s *ClientSession) leaf() string {
	return "client/" + s.Status.String()
}

func (s *ClientSession) clone() Session {
	c := *s
	return &c
}

// Game is the InGame half of the state.
type Game struct {
	Session Session
	Focus   Focus
}

// State is the composite lifecycle state. Game is nil in the menu.
type State struct {
	Menu MenuContext
	Game *Game
}

// Phase derives the phase from the union.
func (s State) Phase() Phase {
	if s.Game == nil {
		return PhaseMenu
	}
	return PhaseInGame
}

// SessionType returns None in the menu.
func (s State) SessionType() SessionType {
	if s.Game == nil {
		return SessionNone
	}
	return s.Game.Session.Type()
}

// Local returns the local session, if that is what is running.
func (s State) Local() (*LocalSession, bool) {
	if s.Game == nil {
		return nil, false
	}
	l, ok := s.Game.Session.(*LocalSession)
	return l, ok
}

// Client returns the client session, if that is what is running.
func (s State) Client() (*ClientSession, bool) {
	if s.Game == nil {
		return nil, false
	}
	c, ok := s.Game.Session.(*ClientSession)
	return c, ok
}

// Leaf names the active leaf, e.g. "menu/main" or "local/running/public".
func (s State) Leaf() string {
	if s.Game == nil {
		return "menu/" + s.Menu.String()
	}
	return s.Game.Session.leaf()
}

// Clone returns a deep copy safe to hand to readers.
func (s State) Clone() State {
	if s.Game == nil {
		return s
	}
	return State{
		Menu: s.Menu,
		Game: &Game{Session: s.Game.Session.clone(), Focus: s.Game.Focus},
	}
}

type stateView struct {
	Phase       Phase       `json:"phase"`
	Menu        MenuContext `json:"menu"`
	SessionType SessionType `json:"session_type"`
	Status      string      `json:"status,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	Focus       *Focus      `json:"focus,omitempty"`
}

// MarshalJSON flattens the union for the status API.
func (s State) MarshalJSON() ([]byte, error) {
	v := stateView{Phase: s.Phase(), Menu: s.Menu, SessionType: s.SessionType()}
	if s.Game != nil {
		focus := s.Game.Focus
		v.Focus = &focus
		switch sess := s.Game.Session.(type) {
		case *LocalSession:
			v.Status = sess.Status.String()
			vis := sess.Visibility
			v.Visibility = &vis
		case *ClientSession:
			v.Status = sess.Status.String()
		}
	}
	return json.Marshal(v)
}
