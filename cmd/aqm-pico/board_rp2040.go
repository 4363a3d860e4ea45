//go:build rp2040

package main

const board = "pico"
