package services

import (
	"testing"

	"chatrelay/internal/models"
)

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	alice := models.NewUserConnection("c1", nil, 1)
	anon := models.NewUserConnection("c2", nil, 1)
	cm.Add(alice)
	cm.Add(anon)
	alice.BindUser("alice")

	if cm.Count() != 2 {
		t.Fatalf("Expected 2 connections, got %d", cm.Count())
	}
	if cm.Registered() != 1 {
		t.Errorf("Expected 1 registered connection, got %d", cm.Registered())
	}

	cm.Remove("c1")
	if !alice.IsClosed() {
		t.Error("Expected Remove to close the connection")
	}
	if cm.Count() != 1 {
		t.Errorf("Expected 1 connection after Remove, got %d", cm.Count())
	}
	cm.Remove("c1")

	if n := cm.CloseAll(); n != 1 {
		t.Errorf("Expected CloseAll to close 1 connection, got %d", n)
	}
	if !anon.IsClosed() {
		t.Error("Expected CloseAll to close the remaining connection")
	}
}
