//go:build !debug

package queue

const panicOnInvariant = false
