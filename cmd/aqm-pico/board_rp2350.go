//go:build rp2350

package main

const board = "pico2"
