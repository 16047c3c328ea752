/*
Package events provides an in-memory event broker for migration pub/sub
messaging.

The broker broadcasts migration lifecycle events to interested subscribers
with non-blocking delivery over buffered channels. Publishers never wait on
subscribers; a subscriber whose buffer is full skips events rather than
stalling the pipeline.

# Event Types

Migration lifecycle:
  - migration.created, migration.verified
  - migration.completed, migration.failed, migration.cancelled

Phase lifecycle:
  - phase.started, phase.completed, phase.failed

Protocol milestones:
  - plc.submitted
  - backup.created, backup.expired

Operator attention:
  - admin.alert (orphaned accounts, repeated exhausted retries)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventMigrationCreated,
		Message: "migration created for did:plc:abc",
		Metadata: map[string]string{
			"migration_id": "mig-123",
		},
	})

Delivery is best effort and in-memory only. The durable record of what
happened to a migration is its stored Progress data, not the event stream;
subscribers use events for metrics, notifications, and log streaming.
*/
package events
