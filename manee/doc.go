// Package manee implements a Discord bot that answers questions asked
// through the /manee slash command using OpenAI chat completions.
//
// Answers are cached in memory by the exact question text, so a question
// that was answered once is replied to immediately for the rest of the
// process lifetime. Cache misses are acknowledged with a deferred reply,
// sent to OpenAI (retrying with exponential backoff when rate limited),
// and the deferred reply is then edited with the answer or a generic
// error message.
//
// Key components of the package include:
//
//   - Bot: Owns the configuration, cache, and integrations, and runs them.
//   - OpenAI: Sends chat completion requests with bounded backoff.
//   - MemoryCache: The default AnswerCache implementation.
//   - Discord: Manages the Discord session and command registration.
//   - DiscordWebhookServer: Optionally receives interactions over HTTP.
//   - API: Optionally exposes health, cache and Prometheus metrics.
package manee
