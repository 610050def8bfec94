// Package dedupe remembers recently seen keys together with a short outcome
// string, within a TTL window and a maximum size.
package dedupe
