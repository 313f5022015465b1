// Package model defines the core domain types for GoRelay.
package model
