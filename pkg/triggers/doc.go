// Package triggers turns external events into execution drafts. The
// engine is stateless per event: match(event, definitions) evaluates
// every enabled workflow definition's trigger declarations against the
// event and emits one draft per matched definition. Each event
// category (build, docker, git, webhook, pubsub, manual) plugs in as a
// small handler of five functions rather than a type switch.
package triggers
