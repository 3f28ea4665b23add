package config

import "slices"

const redacted = "***"

// Redacted returns a copy of cfg with secrets masked, for logging.
func Redacted(cfg *Config) Config {
	out := *cfg
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
