// Package domain holds the core entity types shared across the engine:
// campaign templates and instances, enrollments, canonical events, the
// LinkedIn rate-limit ledger, dead-letter entries, and video generations.
//
// Besides validation and state-machine checks, types here carry only small
// pure helpers: sequence decoding, metric rate formatting, and the mappings
// from event types to counter fields and LinkedIn actions to ledger columns.
// Persistence lives in store/, business logic in intake/ and scheduler/.
package domain
