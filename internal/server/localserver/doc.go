// Package localserver serves text commands on a Unix domain socket.
//
// Access is controlled by file system permissions on the socket; there
// is no authentication. Each request is one line, a command followed by
// space separated arguments. Each reply is one line starting with "OK"
// or "ERR":
//
//	> create_snapshot sda
//	< OK {"id":1,"origin_device":"sda",...}
//	> delete_snapshot 7
//	< ERR CS-SNAP-4040 [CS-SNAP-4040] snapshot not found
//
// Commands: enable_tracking, disable_tracking, enable_snapshots,
// disable_snapshots, activate, deactivate, create_snapshot <device>,
// delete_snapshot <id>, merge_snapshot <id>, snapshots, status, export,
// help and quit.
package localserver
