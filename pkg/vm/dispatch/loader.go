package dispatch

import (
	"fmt"

	"github.com/ipfs/go-cid"
)

// CodeLoader allows you to load an actor's code based on its id an epoch.
type CodeLoader struct {
	actors map[cid.Cid]Actor
}

// GetActorImpl returns executable code for an actor by code cid.
func (cl CodeLoader) GetActorImpl(code cid.Cid) (Dispatcher, error) {
	actor, ok := cl.actors[code]
	if !ok {
		return nil, fmt.Errorf("unknown code: %s", code.String())
	}
	return &actorDispatcher{code: code, actor: actor}, nil
}

// GetUnsafeActorImpl returns the registered actor without a dispatcher.
func (cl CodeLoader) GetUnsafeActorImpl(code cid.Cid) (Actor, error) {
	actor, ok := cl.actors[code]
	if !ok {
		return nil, fmt.Errorf("unknown code: %s", code.String())
	}
	return actor, nil
}

// Codes lists every registered code cid.
func (cl CodeLoader) Codes() []cid.Cid {
	out := make([]cid.Cid, 0, len(cl.actors))
	for c := range cl.actors {
		out = append(out, c)
	}
	return out
}

// CodeLoaderBuilder helps you build a CodeLoader.
type CodeLoaderBuilder struct {
	actors map[cid.Cid]Actor
}

// NewBuilder creates a builder to generate a builtin.Actor data structure
func NewBuilder() *CodeLoaderBuilder {
	return &CodeLoaderBuilder{actors: map[cid.Cid]Actor{}}
}

// Add lets you add an actor dispatch table for a given version.
func (b *CodeLoaderBuilder) Add(actor Actor) *CodeLoaderBuilder {
	b.actors[actor.Code()] = actor
	return b
}

// AddMany registers several actors at once.
func (b *CodeLoaderBuilder) AddMany(actors ...Actor) *CodeLoaderBuilder {
	for _, actor := range actors {
		b.Add(actor)
	}
	return b
}

// Build builds the code loader.
func (b *CodeLoaderBuilder) Build() CodeLoader {
	actors := make(map[cid.Cid]Actor, len(b.actors))
	for c, a := range b.actors {
		actors[c] = a
	}
	return CodeLoader{actors: actors}
}
