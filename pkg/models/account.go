package models

// Account maps one recipient address to a Telegram delivery target.
// Accounts are built once from the accounts file at startup and are
// never mutated afterwards.
type Account struct {
	Address  string `yaml:"address"`   // recipient email address, e.g. alice@example.com
	BotToken string `yaml:"bot_token"` // Telegram bot token used for delivery
	ChatID   string `yaml:"chat_id"`   // Telegram chat id (group or user)
}
