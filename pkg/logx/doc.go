// Package logx wraps zerolog for schedvault.
//
// Console output is human readable with a short caller; the file sink is JSON.
// Warnings that can repeat in bursts go through a Limiter.
package logx
