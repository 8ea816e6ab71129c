// Package domain defines the core orchestration entities and errors.
package domain
