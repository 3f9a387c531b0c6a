package register

import (
	"sync"

	"github.com/filecoin-project/venus-core/pkg/vm/builtin"
	"github.com/filecoin-project/venus-core/pkg/vm/dispatch"
)

// DefaultActorBuilder holds every actor that ships with the node.
var DefaultActorBuilder = dispatch.NewBuilder()
var loadOnce sync.Once
var defaultActors dispatch.CodeLoader

// GetDefaultActros returns the loader of the builtin actors.
func GetDefaultActros() *dispatch.CodeLoader {
	loadOnce.Do(func() {
		DefaultActorBuilder.AddMany(BuiltinActors()...)
		defaultActors = DefaultActorBuilder.Build()
	})

	return &defaultActors
}

// GetTestActors returns the builtin actors plus the chaos actor.
func GetTestActors() *dispatch.CodeLoader {
	loader := dispatch.NewBuilder().
		AddMany(BuiltinActors()...).
		Add(builtin.ChaosActor{}).
		Build()
	return &loader
}

// BuiltinActors lists the actors needed to run a chain.
func BuiltinActors() []dispatch.Actor {
	return []dispatch.Actor{
		builtin.SystemActor{},
		builtin.InitActor{},
		builtin.AccountActor{},
		builtin.RewardActor{},
		builtin.CronActor{},
	}
}
