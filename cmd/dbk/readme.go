// cmd/dbk/readme.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var readmeText = `

This document is an attempt to document the way that dbk stores backups in
sufficient detail so that (if ever necessary), it's possible to restore a
backup even without the dbk source code. We'll proceed in bottom-up
fashion from the sealed objects in the backend up to backup sets and
chains.

# Objects and names

A backend is a flat namespace of objects. Each backup set is made of one
or more volumes, a signature archive, and a manifest; while a backup is
running there's also an in-progress marker that holds the run's UUID.
Names are of the form

	dbk-full.<C>.vol<i>.dv
	dbk-full.<C>.sigs
	dbk-full.<C>.manifest.n<N>
	dbk-full.<C>.manifest.part
	dbk-inc.<C>.<S>.to.<E>.vol<i>.dv
	dbk-inc.<C>.<S>.to.<E>.sigs
	dbk-inc.<C>.<S>.to.<E>.manifest.n<N>
	dbk-inc.<C>.<S>.to.<E>.manifest.part

where C is the start time of the chain (the time of its full backup), S
and E are the times of the previous set and of this one, all in the form
20060102T150405Z (UTC), volumes are numbered from 1 and N is the number
of volumes in the set. With --short-filenames, "df." and "di." are used
with base-36 Unix times and ".v<i>", ".s", ".m<N>" and ".mp" suffixes.
A set is only complete once its manifest is stored; a set without a
manifest, or missing any of the volumes its manifest name promises, is
ignored for restores.

A chain is a full set followed by incremental sets, each of which starts
at the time the previous set ends.

# Sealing

Every object is first compressed and then sealed. The first byte of the
compressed form records the codec: 0 for none, 1 for gzip, 2 for snappy
and 3 for zstd. Data that doesn't get smaller is stored with codec 0.

Sealed objects start with the four bytes "DBKE", a version byte (1), and
a mode byte:

- 'n': no encryption. 32 bytes of SHAKE256 of the data follow, then the
  data.
- 'p': passphrase. 8 bytes of key ID (SHAKE256 of the data key) follow,
  then a 24-byte nonce and the XChaCha20-Poly1305 ciphertext of the data.
  The header, including the key ID, is the additional authenticated data.
- 'r': public keys. A count byte follows, then for each recipient 8 bytes
  of key ID (SHAKE256 of the public key) and the data key sealed with
  NaCl's anonymous box to that recipient. Then come the nonce and the
  XChaCha20-Poly1305 ciphertext, as for 'p', authenticated with the whole
  header.

For passphrase mode, the data key is stored (unsealed) in the object
dbk.keyinfo. It's a text file with the line "dbk-keyinfo 1" followed by
four lines: the hex-encoded salt, the number of pbkdf2 rounds, the
hex-encoded passphrase hash, and the hex-encoded nonce and ciphertext of
the data key. Given the passphrase,

	dk := pbkdf2.Key([]byte(passphrase), salt, rounds, 64, sha256.New)

The first 32 bytes of dk should match the passphrase hash. The last 32
bytes are the XChaCha20-Poly1305 key that decrypts the data key (with no
additional data).

# Volumes

A volume's plain form starts with "DBKV" and a version byte. Each payload
follows as "BL0B", its length as a uvarint, and its bytes. After the
payloads is an index: "Idx3", the number of records as a uvarint, and
then each record as a uvarint length followed by the item number, the
kind (1 for complete content, 2 for a delta), the offset of the item's
"BL0B", and the payload length (all uvarints other than the kind byte),
32 bytes of SHAKE256 of the payload, and the path as a uvarint length and
bytes. The volume ends with the offset of the index as 8 big-endian
bytes followed by "DBKV".

The index can be reconstructed from the payloads alone, but the path is
only recorded there and in the manifest.

# Deltas and signatures

A signature summarizes a file's content in blocks: it starts with "DBKS",
a version byte, and then the block length, the strong checksum length
(16), the content length and the number of blocks as uvarints. Each
block then has a 4-byte rolling (weak) checksum and a 16-byte SHAKE256
strong checksum.

A delta starts with "DBKD" and a version byte and is a sequence of
operations, each introduced by a tag byte: a copy (offset and length of
the old content, as uvarints), a literal (uvarint length and bytes), and
a terminating zero tag. Applying the operations in order to the previous
version of the file gives the new one.

Signature archives start with "DBKA" and a version byte, followed by
records, each a uvarint length followed by a type byte (deletion or
signature), the path as a uvarint length and bytes, and for signatures
the serialized signature. The archive of an incremental set only has the
signatures of files that changed and records the files that went away;
applying them in order to the full set's archive gives the signatures as
of the latest set.

# Manifests

Manifests are line-oriented text starting with "DBK-MANIFEST 1". Header
lines give the chain, type, start and end times and the volume count.
Each volume has a line giving its plain and sealed sizes, the hash of the
sealed object, the first and last paths it holds and its item count.
Each path in the set then has an "entry" line of key=value fields: the
path (percent-escaped), the operation (full, delta, meta or delete), the
volume and item that hold its payload, its type, size, mode, owner,
modification time, and symlink target or device number as applicable,
and any extended attributes. Unknown lines and fields are ignored.

To restore a file as of a set, find the last set of the chain up to that
one whose manifest mentions the path. If it's a deletion, the file
doesn't exist. Otherwise, its metadata is the latest entry's, and its
content is the payload of the last "full" entry, with the payloads of the
following "delta" entries applied in turn.

# Reed-Solomon encoding

With the parity=true option, the disk backend stores Reed-Solomon parity
information for each object in a .rs file next to it and uses it to
repair objects that have been corrupted. The .rs files are gob-encoded:
a header that gives the size of the original file, the numbers of data
and parity shards and the shard size, followed for each segment of the
file by the hashes of its data and parity shards and the parity shards
themselves.

`
