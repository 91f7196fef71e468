// Package core contains the webhook ingestion domain: delivery, retry attempt,
// dead letter and idempotency records, the store contracts adapters
// implement, the HOOKS_* error taxonomy and configuration. Lower-level
// adapters depend on this package; core must not depend on them.
package core
