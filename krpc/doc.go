// Package krpc implements the KRPC wire protocol used by the BitTorrent
// mainline DHT.
//
// Every datagram carries one bencoded dictionary: a query ("y" = "q"), a
// response ("y" = "r") or an error ("y" = "e"). Queries name a method and
// carry an argument dictionary; responses carry a return dictionary; errors
// carry a code and a description. The transaction id "t" ties a response
// back to its query.
//
// Supported methods are ping, find_node, get_peers and announce_peer (BEP5),
// get and put (BEP44) and sample_infohashes (BEP51). The read-only flag of
// BEP43 and the "ip" field of BEP42 are carried on the envelope.
//
//	msg := krpc.NewQuery(krpc.MethodFindNode, &krpc.Args{ID: self, Target: target})
//	msg.TransactionID = tid
//	packet, err := krpc.Encode(msg)
//
//	reply, err := krpc.Decode(packet)
//	var de *krpc.DecodeError
//	if errors.As(err, &de) {
//	    // malformed input; de.TransactionID is set when it was readable
//	}
//
// Node lists use the compact 26 byte (IPv4) and 38 byte (IPv6) forms;
// peer lists use 6 and 18 byte compact endpoints.
package krpc
