package config

// Validation messages for rules spanning several fields
const (
	// ErrCommandRequired is reported when the command backend has no template
	ErrCommandRequired = "backend.command is required when backend.kind is command"
	// ErrAutostartScene is reported when autostart has nothing to render
	ErrAutostartScene = "coordinator.job.scene_path is required when coordinator.autostart is set"
)
