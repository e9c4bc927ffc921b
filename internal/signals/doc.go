// Package signals ingests golden signal samples and rolls them into closed
// 1m, 5m, 1h and 1d windows used for health classification.
package signals
