// Package sandbox provisions the sandboxes that back orchestrator sessions.
//
// # Provisioner
//
// Provisioner turns a session id into a ready sandbox with a project
// directory, an initialized command channel and, optionally, MCP servers
// and exposed ports:
//
//	p := sandbox.NewProvisioner(rt, cfg)
//	handle, err := p.Provision(ctx, sandbox.Request{
//	    SessionID: id,
//	    Progress:  emit,
//	})
//
// # Provisioning Flow
//
// The Provisioner.Provision method:
//  1. Creates the sandbox within the provisioning timeout
//  2. Copies the template project and installs its dependencies
//  3. Clones the requested repository next to the project, if any
//  4. Runs the configured setup commands
//  5. Writes the MCP server list into the project
//  6. Exposes the configured ports
//  7. Creates the channel files and stores the system prompt
//
// Steps 2 to 6 degrade to warnings. A failure in step 1 or 7 destroys the
// sandbox and fails the session.
//
// # Worker
//
// StartWorker writes the first prompt and launches the persistent worker in
// the background. Later prompts go through the channel queue.
package sandbox
