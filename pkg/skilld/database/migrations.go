package database

// Each migration records its own version number.
var migrations = []string{
	`
CREATE TABLE migrations
(
    version int primary key              not null,
    created timestamp with time zone     not null
);

CREATE TABLE deployment
(
    id           text primary key          not null,
    created      timestamp with time zone  not null,
    state        text                      not null,
    trigger      text                      not null,
    commit_sha   text                      not null,
    metadata     jsonb                     not null,
    failed       jsonb                     not null
);

CREATE INDEX deployment_created_idx ON deployment (created);

CREATE TABLE skill_version
(
    deployment_id text                     not null,
    name          text                     not null,
    version       text                     not null,
    path          text                     not null,
    created       timestamp with time zone not null,
    primary key (deployment_id, name),
    foreign key (deployment_id) references deployment (id) on delete cascade
);

CREATE INDEX skill_version_name_idx ON skill_version (name, created);

CREATE TABLE poll_result
(
    id            bigserial primary key,
    checked       timestamp with time zone not null,
    previous_ref  text                     not null,
    head_ref      text                     not null,
    changed       boolean                  not null,
    files         jsonb                    not null,
    deployment_id text                     null,
    error         text                     not null
);

CREATE TABLE poll_state
(
    id       int primary key               not null check (id = 1),
    ref      text                          not null,
    updated  timestamp with time zone      not null
);

INSERT INTO migrations (version, created)
VALUES (1, now());
`,
	`
CREATE TABLE lock
(
    key          text primary key             not null,
    holder       text                         not null,
    acquired     timestamp with time zone     not null,
    ttl_seconds  bigint                       not null
);

INSERT INTO migrations (version, created)
VALUES (2, now());
`,
}
