// Package api exposes a devmesh node over HTTP.
//
// Two surfaces share one listener:
//
//   - /dapi/{id}/{ident} translates HTTP methods onto the device verbs:
//     GET → GET (DESCRIBE for .schema/.config), PUT → SET (CONFIG for
//     .config), POST → INVOKE (PUT/NOTIFY for metrics/events).
//   - /peers upgrades to a websocket carrying the peer link protocol;
//     remote nodes dial it to federate.
//
// Administrative routes under /api/v1 report health and the attached
// device list. Optional bearer-token auth guards the device surface.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
