// Package notify stores and emits in-app notifications.
//
// Notifications are side effects: emitters treat failures as log-only and
// never propagate them into the triggering operation.
package notify
