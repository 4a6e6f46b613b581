/*
Package engine runs HTTP load tests.

A Controller owns every test by id. Starting a test allocates an Aggregator,
asks RampSchedule for one start offset per virtual user and launches one
Worker goroutine per virtual user. Each Worker is a closed request loop: it
issues a request, waits for the full response or the per-request timeout,
records the Outcome and immediately issues the next one until the test is
cancelled or its end time passes.

Outcomes travel over a buffered channel to the Aggregator, which folds them
into the current sampling window and the test-wide totals. Once per sampling
interval the Broadcaster closes the window into a model.MetricPoint, appends
it to the test's series and publishes it to every Subscription for that test.
When the last worker exits the Controller computes the
model.TestResultSummary, persists the record and sends a final message before
closing the subscriptions.

Workers never touch the Controller's record; they only hold the test id and
the Aggregator.
*/
package engine
