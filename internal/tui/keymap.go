package tui

// Key binding constants used in handleKey.
const (
	KeyQuit         = "q"
	KeyCtrlC        = "ctrl+c"
	KeyStartCall    = "s"
	KeyEndCall      = "e"
	KeyClear        = "c"
	KeyToggleWake   = "w"
	KeyDismissFirst = "d"
)
