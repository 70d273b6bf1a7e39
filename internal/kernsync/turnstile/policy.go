package turnstile

import (
	"fmt"

	"github.com/kolkov/kernsync/internal/kernsync/priority"
)

// Type is the category of synchronization primitive a turnstile stands for.
type Type uint8

// Turnstile types. TypeNone marks an idle turnstile.
const (
	TypeNone Type = iota
	TypeKernelMutex
	TypeULock
	TypePThreadMutex
	TypeSyncIPC
	TypeWorkloop
	TypeWorkqAdmission
	TypeKnote
	TypeSleepInheritor
	TypeEpochKernel
	TypeEpochUser

	numTypes
)

// Storage is the discipline binding a proprietor to its turnstile.
type Storage uint8

const (
	StorageNone Storage = iota
	// StorageInline: a pointer slot embedded in the primitive.
	StorageInline
	// StorageCompact: a compact ID embedded in the primitive.
	StorageCompact
	// StorageHash: nothing in the primitive; resolved by proprietor hash.
	StorageHash
)

// String returns the discipline name.
func (s Storage) String() string {
	switch s {
	case StorageNone:
		return "none"
	case StorageInline:
		return "inline"
	case StorageCompact:
		return "compact"
	case StorageHash:
		return "hash"
	default:
		return fmt.Sprintf("storage(%d)", uint8(s))
	}
}

// Policy is one row of the per-type policy table.
type Policy struct {
	Name    string
	Family  priority.Family
	Storage Storage

	// IRQSafe selects the interrupt-safe hash table (spin buckets).
	IRQSafe bool

	// CallerLocked means the caller holds the hash bucket lock around
	// prepare, complete and lookup; the directory does not lock it.
	CallerLocked bool

	// AllowsWorkq permits a worker-pool inheritor.
	AllowsWorkq bool
}

// policies is the only place primitive categories are onboarded.
var policies = [numTypes]Policy{
	TypeNone: {Name: "none", Family: priority.FamilyNone},
	TypeKernelMutex: {
		Name: "kernel-mutex", Family: priority.FamilyKernel, Storage: StorageInline,
	},
	TypeULock: {
		Name: "ulock", Family: priority.FamilyUser, Storage: StorageHash,
	},
	TypePThreadMutex: {
		Name: "pthread-mutex", Family: priority.FamilyUser, Storage: StorageHash,
	},
	TypeSyncIPC: {
		Name: "sync-ipc", Family: priority.FamilyUserIPC, Storage: StorageCompact,
	},
	TypeWorkloop: {
		Name: "workloop", Family: priority.FamilyUserIPC, Storage: StorageCompact,
		AllowsWorkq: true,
	},
	TypeWorkqAdmission: {
		Name: "workq-admission", Family: priority.FamilyUser, Storage: StorageHash,
		AllowsWorkq: true,
	},
	TypeKnote: {
		Name: "knote", Family: priority.FamilyUserIPC, Storage: StorageHash,
		IRQSafe: true,
	},
	TypeSleepInheritor: {
		Name: "sleep-inheritor", Family: priority.FamilyKernel, Storage: StorageHash,
		IRQSafe: true, CallerLocked: true,
	},
	TypeEpochKernel: {
		Name: "epoch-kernel", Family: priority.FamilyKernel, Storage: StorageHash,
		IRQSafe: true,
	},
	TypeEpochUser: {
		Name: "epoch-user", Family: priority.FamilyUser, Storage: StorageHash,
	},
}

// PolicyOf returns the policy of t. An unknown type is a fatal error.
func PolicyOf(t Type) Policy {
	if t >= numTypes {
		panic(fmt.Sprintf("turnstile: no policy for type %d", uint8(t)))
	}
	return policies[t]
}

// String returns the type name.
func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return policies[t].Name
}

// Family returns the promotion family of t.
func (t Type) Family() priority.Family {
	return PolicyOf(t).Family
}

// Types returns every bindable type in table order.
func Types() []Type {
	out := make([]Type, 0, numTypes-1)
	for t := TypeNone + 1; t < numTypes; t++ {
		out = append(out, t)
	}
	return out
}

// requireStorage panics unless t is bound through storage s.
func requireStorage(t Type, s Storage) Policy {
	p := PolicyOf(t)
	if p.Storage != s {
		panic(fmt.Sprintf("turnstile: type %s uses %s storage, not %s", t, p.Storage, s))
	}
	return p
}
