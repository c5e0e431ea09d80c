package fleet

import (
	"fmt"
	"time"
)

// ProvisioningError represents a failed remote VM creation step.
type ProvisioningError struct {
	Stage string // create, status, ip, password
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ProvisioningTimeoutError represents a VM that never reached the active
// state within the poll window.
type ProvisioningTimeoutError struct {
	VMID    int64
	Timeout time.Duration
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("vm %d not active after %s", e.VMID, e.Timeout)
}

// ServerSetupError represents a VM that was created but where the VPN
// install failed. The server row is kept so the paid-for VM is not lost;
// it stays out of allocation until an operator completes the setup.
type ServerSetupError struct {
	ServerID uint
	Err      error
}

func (e *ServerSetupError) Error() string {
	return fmt.Sprintf("setup of server %d failed: %v", e.ServerID, e.Err)
}

func (e *ServerSetupError) Unwrap() error { return e.Err }

// KeyCreationError represents a remote key creation that failed after a
// server slot was already reserved. The reservation is rolled back before
// this error is returned.
type KeyCreationError struct {
	ServerID uint
	Err      error
}

func (e *KeyCreationError) Error() string {
	return fmt.Sprintf("key creation on server %d failed: %v", e.ServerID, e.Err)
}

func (e *KeyCreationError) Unwrap() error { return e.Err }

// RemoteDeletionError represents an expired key whose remote deletion
// failed; the local row stays until a later sweep succeeds.
type RemoteDeletionError struct {
	KeyID    string
	ServerID uint
	Err      error
}

func (e *RemoteDeletionError) Error() string {
	return fmt.Sprintf("remote deletion of key %s on server %d failed: %v", e.KeyID, e.ServerID, e.Err)
}

func (e *RemoteDeletionError) Unwrap() error { return e.Err }
