// Package notifier delivers reminder messages.
//
// A Service routes each Message by address: "tg:<chat_id>" goes to Telegram,
// anything else to SMTP. Sends are synchronous so the caller learns the
// outcome; the service applies a shared rate limit and retries transient
// failures with exponential backoff bounded by the caller's context.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recent deliveries, exposed on the status endpoint.
package notifier
