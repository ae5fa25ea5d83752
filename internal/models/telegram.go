package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// NotificationKind identifies which lifecycle event a notification reports.
type NotificationKind string

const (
	NotifyWakeTriggered NotificationKind = "wake_triggered"
	NotifyServerOnline  NotificationKind = "server_online"
	NotifyBootTimeout   NotificationKind = "boot_timeout"
	NotifyServerLost    NotificationKind = "server_lost"
)

// TelegramMessage holds the data for a lifecycle notification.
type TelegramMessage struct {
	Kind     NotificationKind
	TargetIP string
	Time     time.Time

	// Trigger info (wake triggered).
	Game string
	Peer string

	// Timing info (server online / boot timeout).
	BootDuration time.Duration
	BootWait     time.Duration

	WakeAttempts uint64
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
