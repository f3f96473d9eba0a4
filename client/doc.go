// Package client is the host-side core of a workflow-engine client. A Client
// owns one connection to the engine proxy and registers workflow and
// activity workers through it.
//
// At most one worker is registered per (kind, domain, task list, type name)
// on a Client. Starting an already registered tuple returns the existing
// registration without contacting the proxy; stopping an unknown or already
// stopped registration is a no-op.
//
//	c, err := client.Dial(ctx, client.Settings{Target: "unix:///run/proxy.sock"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	reg, err := c.StartWorkflowWorker(ctx, "payments", "main", "orders.Fulfil", nil)
package client
