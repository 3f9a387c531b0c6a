// Package builtin holds the system actors the engine cannot run without:
// system, init, account, reward, cron and burnt funds. A chaos actor is
// provided for exercising the VM in tests.
package builtin

import (
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Singleton actor addresses.
var (
	SystemActorAddr     = mustMakeAddress(0)
	InitActorAddr       = mustMakeAddress(1)
	RewardActorAddr     = mustMakeAddress(2)
	CronActorAddr       = mustMakeAddress(3)
	ChaosActorAddr      = mustMakeAddress(98)
	BurntFundsActorAddr = mustMakeAddress(99)
)

// FirstNonSingletonActorID is the first id handed out by the init actor.
const FirstNonSingletonActorID = 100

func mustMakeAddress(id uint64) address.Address {
	addr, err := address.NewIDAddress(id)
	if err != nil {
		panic(err)
	}
	return addr
}

// Code cids are identity hashed names, so they are stable across builds.
var (
	SystemActorCodeID  cid.Cid
	InitActorCodeID    cid.Cid
	CronActorCodeID    cid.Cid
	AccountActorCodeID cid.Cid
	RewardActorCodeID  cid.Cid
	ChaosActorCodeID   cid.Cid
)

var builtinNames = map[cid.Cid]string{}

func init() {
	builder := cid.V1Builder{Codec: cid.Raw, MhType: mh.IDENTITY}
	for id, name := range map[*cid.Cid]string{
		&SystemActorCodeID:  "fil/1/system",
		&InitActorCodeID:    "fil/1/init",
		&CronActorCodeID:    "fil/1/cron",
		&AccountActorCodeID: "fil/1/account",
		&RewardActorCodeID:  "fil/1/reward",
		&ChaosActorCodeID:   "fil/1/chaos",
	} {
		c, err := builder.Sum([]byte(name))
		if err != nil {
			panic(err)
		}
		*id = c
		builtinNames[c] = name
	}
}

// ActorNameByCode returns the printable name of a builtin code cid.
func ActorNameByCode(code cid.Cid) string {
	if name, ok := builtinNames[code]; ok {
		return name
	}
	return fmt.Sprintf("<unknown: %s>", code)
}

// IsBuiltinActor reports whether code names one of the actors of this package.
func IsBuiltinActor(code cid.Cid) bool {
	_, ok := builtinNames[code]
	return ok
}

// IsSingletonActor reports whether only one instance of code may exist.
func IsSingletonActor(code cid.Cid) bool {
	return code.Equals(SystemActorCodeID) ||
		code.Equals(InitActorCodeID) ||
		code.Equals(RewardActorCodeID) ||
		code.Equals(CronActorCodeID) ||
		code.Equals(ChaosActorCodeID)
}

// IsAccountActor reports whether code is the account actor.
func IsAccountActor(code cid.Cid) bool {
	return code.Equals(AccountActorCodeID)
}

// Method numbers shared by every actor.
const (
	MethodSend        = abi.MethodNum(0)
	MethodConstructor = abi.MethodNum(1)
)

var MethodsInit = struct {
	Constructor abi.MethodNum
	Exec        abi.MethodNum
}{MethodConstructor, 2}

var MethodsAccount = struct {
	Constructor   abi.MethodNum
	PubkeyAddress abi.MethodNum
}{MethodConstructor, 2}

var MethodsReward = struct {
	Constructor      abi.MethodNum
	AwardBlockReward abi.MethodNum
	ThisEpochReward  abi.MethodNum
}{MethodConstructor, 2, 3}

var MethodsCron = struct {
	Constructor abi.MethodNum
	EpochTick   abi.MethodNum
}{MethodConstructor, 2}

var MethodsChaos = struct {
	Constructor    abi.MethodNum
	Send           abi.MethodNum
	MutateState    abi.MethodNum
	AbortWith      abi.MethodNum
	InspectRuntime abi.MethodNum
}{MethodConstructor, 2, 3, 4, 5}

// EmptyObjectCid is the head of an actor whose state was never created.
var EmptyObjectCid cid.Cid

func init() {
	c, err := abi.CidBuilder.Sum([]byte{0x80})
	if err != nil {
		panic(err)
	}
	EmptyObjectCid = c
}
