// Package wsfeed carries change feeds over websockets. Transport is the
// subscriber side used by the sync coordinator; Hub is the server side that
// accepts subscriptions and fans out published change events.
//
// Every subscription is its own connection. The client sends one
// subscribe frame, the hub answers with a SUBSCRIBED status frame and then
// streams change frames that pass the subscription filter.
package wsfeed
