package models

// SSHShutdownConfig holds SSH settings for powering the target off.
type SSHShutdownConfig struct {
	Host       string
	Port       int
	Username   string
	PrivateKey []byte // loaded from file path
	KeyPath    string // path to key file
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	ShutdownDelay  int    // minutes before power off, 0 = now
	OS             string // "linux" (default) or "windows"
}

// SSHResult holds the result of an SSH operation.
type SSHResult struct {
	CommandRun bool
	Output     string
	Error      error
}
