// Package domain defines the core types shared by the protection layer of polis-guard.
//
// The package holds plain data shapes (rate-limit policies, breaker state,
// golden-signal samples and windows, budgets, alerts and incidents) together
// with the validation rules and error taxonomy that every other package relies
// on. It has no infrastructure dependencies; the only third-party import is the
// decimal type used for money.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Components in internal/ implement the algorithms, pkg/storage persists these
// types, and pkg/config converts operator configuration into them.
package domain
