package hooks

import "errors"

var (
	errEmptyCommand    = errors.New("command hook has empty command")
	errEmptyPluginCode = errors.New("plugin hook has empty code")
	errUnknownHookType = errors.New("unknown hook type")

	// ErrHookBlocked is returned when a hook signals the triggering action
	// should be blocked (command hooks exit with code 2).
	ErrHookBlocked = errors.New("hook blocked the action")
)
