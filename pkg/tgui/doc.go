// Package tgui provides small helpers for Telegram HTML parse mode:
// escaping, inline formatting and rune-safe truncation.
package tgui
